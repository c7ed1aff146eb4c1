package opcsrv

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/awcullen/opcua/ua"

	"emberlink/config"
	"emberlink/tagstore"
)

func TestNewDefaults(t *testing.T) {
	s := New(config.OPCUAServerConfig{Enabled: true}, "plant1", tagstore.New(), nil)

	if s.cfg.Endpoint != DefaultEndpoint {
		t.Errorf("endpoint = %q, want %q", s.cfg.Endpoint, DefaultEndpoint)
	}
	if s.cfg.DeviceName != DefaultDeviceName {
		t.Errorf("device name = %q, want %q", s.cfg.DeviceName, DefaultDeviceName)
	}
	if s.cfg.CertDir != DefaultCertDir {
		t.Errorf("cert dir = %q, want %q", s.cfg.CertDir, DefaultCertDir)
	}
	if s.Running() {
		t.Error("server should not be running before Start")
	}
}

func TestNodeID(t *testing.T) {
	s := New(config.OPCUAServerConfig{DeviceName: "Line4"}, "plant1", tagstore.New(), nil)

	if got := s.NodeID("Temperature"); got != "ns=2;s=Line4.Temperature" {
		t.Errorf("NodeID = %q", got)
	}
}

func TestApplicationURI(t *testing.T) {
	s := New(config.OPCUAServerConfig{}, "plant1", tagstore.New(), nil)
	if got := s.applicationURI(); got != "urn:emberlink:plant1" {
		t.Errorf("applicationURI = %q", got)
	}

	s = New(config.OPCUAServerConfig{}, "", tagstore.New(), nil)
	if got := s.applicationURI(); got != "urn:emberlink" {
		t.Errorf("applicationURI without namespace = %q", got)
	}
}

func TestOPCDataType(t *testing.T) {
	tests := []struct {
		in   tagstore.DataType
		want ua.NodeID
		ok   bool
	}{
		{tagstore.TypeInt, ua.DataTypeIDInt64, true},
		{tagstore.TypeFloat, ua.DataTypeIDDouble, true},
		{tagstore.TypeString, ua.DataTypeIDString, true},
		{tagstore.TypeBool, ua.DataTypeIDBoolean, true},
		{tagstore.DataType("blob"), nil, false},
	}
	for _, tt := range tests {
		got, ok := opcDataType(tt.in)
		if ok != tt.ok {
			t.Errorf("opcDataType(%s) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("opcDataType(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestQualityStatus(t *testing.T) {
	tests := []struct {
		in   tagstore.Quality
		want ua.StatusCode
	}{
		{tagstore.QualityGood, ua.Good},
		{tagstore.QualityUncertain, ua.UncertainLastUsableValue},
		{tagstore.QualityStale, ua.UncertainLastUsableValue},
		{tagstore.QualityBad, ua.BadOutOfService},
	}
	for _, tt := range tests {
		if got := qualityStatus(tt.in); got != tt.want {
			t.Errorf("qualityStatus(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandleWrite(t *testing.T) {
	store := tagstore.New()
	store.Create(tagstore.Tag{
		Name: "Setpoint", Type: tagstore.TypeFloat, Value: 20.0,
		Meta: tagstore.Metadata{Writable: true},
	})
	writeFn := func(tag string, value interface{}) error {
		_, err := store.Write(tag, value)
		return err
	}
	s := New(config.OPCUAServerConfig{}, "plant1", store, writeFn)

	valueReq := func(tag string, v interface{}) ua.WriteValue {
		return ua.WriteValue{
			AttributeID: ua.AttributeIDValue,
			Value:       ua.NewDataValue(v, ua.Good, time.Now(), 0, time.Now(), 0),
		}
	}

	t.Run("success returns stored value", func(t *testing.T) {
		dv, status := s.handleWrite("Setpoint", valueReq("Setpoint", 42.5))
		if status != ua.Good {
			t.Fatalf("status = %v, want Good", status)
		}
		if dv.Value != 42.5 {
			t.Errorf("returned value = %v, want 42.5", dv.Value)
		}
		got, _ := store.Get("Setpoint")
		if got.Value != 42.5 {
			t.Errorf("stored value = %v, want 42.5", got.Value)
		}
	})

	t.Run("wrong attribute rejected", func(t *testing.T) {
		req := valueReq("Setpoint", 1.0)
		req.AttributeID = ua.AttributeIDDescription
		if _, status := s.handleWrite("Setpoint", req); status != ua.BadAttributeIDInvalid {
			t.Errorf("status = %v, want BadAttributeIDInvalid", status)
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		if _, status := s.handleWrite("Setpoint", valueReq("Setpoint", "warm")); status != ua.BadTypeMismatch {
			t.Errorf("status = %v, want BadTypeMismatch", status)
		}
	})

	t.Run("unknown tag", func(t *testing.T) {
		if _, status := s.handleWrite("Ghost", valueReq("Ghost", 1.0)); status != ua.BadNodeIDUnknown {
			t.Errorf("status = %v, want BadNodeIDUnknown", status)
		}
	})
}

func TestCertificateGeneration(t *testing.T) {
	dir := t.TempDir()
	s := New(config.OPCUAServerConfig{CertDir: dir}, "plant1", tagstore.New(), nil)

	certPath, keyPath, err := s.ensureCertificate()
	if err != nil {
		t.Fatalf("ensureCertificate: %v", err)
	}

	pemBytes, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("expected a PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	if len(cert.URIs) != 1 || cert.URIs[0].String() != "urn:emberlink:plant1" {
		t.Errorf("certificate URIs = %v, want application URI", cert.URIs)
	}
	if time.Until(cert.NotAfter) > certValidity {
		t.Errorf("certificate validity too long: %v", cert.NotAfter)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestCertificateReused(t *testing.T) {
	dir := t.TempDir()
	s := New(config.OPCUAServerConfig{CertDir: dir}, "plant1", tagstore.New(), nil)

	certPath, _, err := s.ensureCertificate()
	if err != nil {
		t.Fatalf("first ensureCertificate: %v", err)
	}
	first, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}

	if _, _, err := s.ensureCertificate(); err != nil {
		t.Fatalf("second ensureCertificate: %v", err)
	}
	second, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("reread cert: %v", err)
	}

	if string(first) != string(second) {
		t.Error("existing certificate should be reused, not regenerated")
	}
	if certPath != filepath.Join(dir, "server.crt") {
		t.Errorf("unexpected cert path %q", certPath)
	}
}
