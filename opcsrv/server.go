// Package opcsrv exposes the tag store as an embedded OPC UA server.
// Every tag becomes a variable node under a device folder; simulation
// ticks push fresh values into the address space and client writes to
// writable tags are routed back through the engine's write path.
package opcsrv

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/tagstore"
)

const (
	// Tag variables live in namespace index 2. Index 0 is the OPC UA
	// standard namespace and index 1 is the server's own.
	nsIndex uint16 = 2

	DefaultEndpoint   = "opc.tcp://0.0.0.0:4840"
	DefaultDeviceName = "EdgeDevice"
	DefaultCertDir    = "pki"

	certValidity = 365 * 24 * time.Hour
)

// WriteFunc routes a client write to the engine. It coerces and stores
// the value, then fans it out to the publishers.
type WriteFunc func(tag string, value interface{}) error

// Server wraps an awcullen OPC UA server and keeps one variable node
// per tag in sync with the store.
type Server struct {
	cfg       config.OPCUAServerConfig
	namespace string
	store     *tagstore.Store
	writeFn   WriteFunc

	srv      *server.Server
	varNodes map[string]*server.VariableNode

	running bool
	mu      sync.RWMutex
}

// New prepares a server for the given config. Nothing listens until
// Start is called.
func New(cfg config.OPCUAServerConfig, namespace string, store *tagstore.Store, writeFn WriteFunc) *Server {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "Emberlink OPC UA Server"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.CertDir == "" {
		cfg.CertDir = DefaultCertDir
	}
	return &Server{
		cfg:       cfg,
		namespace: namespace,
		store:     store,
		writeFn:   writeFn,
		varNodes:  make(map[string]*server.VariableNode),
	}
}

// Endpoint returns the configured endpoint URL.
func (s *Server) Endpoint() string {
	return s.cfg.Endpoint
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start generates certificates if needed, builds the address space
// from the current store contents, and begins serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	certPath, keyPath, err := s.ensureCertificate()
	if err != nil {
		return fmt.Errorf("opcua certificate: %w", err)
	}

	logging.DebugConnect("opcua-server", s.cfg.Endpoint)
	srv, err := server.New(
		ua.ApplicationDescription{
			ApplicationURI:  s.applicationURI(),
			ProductURI:      "urn:emberlink",
			ApplicationName: ua.LocalizedText{Text: s.cfg.ServerName, Locale: "en"},
			ApplicationType: ua.ApplicationTypeServer,
		},
		certPath,
		keyPath,
		s.cfg.Endpoint,
		server.WithAnonymousIdentity(true),
		server.WithSecurityPolicyNone(true),
		server.WithInsecureSkipVerify(),
	)
	if err != nil {
		logging.DebugConnectError("opcua-server", s.cfg.Endpoint, err)
		return fmt.Errorf("opcua server: %w", err)
	}
	s.srv = srv

	s.addDeviceFolder()
	for _, t := range s.store.List() {
		s.addVariableNode(t)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logging.DebugError("opcua-server", "serve", err)
		}
	}()

	s.running = true
	logging.DebugConnectSuccess("opcua-server", s.cfg.Endpoint,
		fmt.Sprintf("%d tag nodes under %s", len(s.varNodes), s.cfg.DeviceName))
	return nil
}

// Stop closes the server and drops all client sessions.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if err := s.srv.Close(); err != nil {
		logging.DebugError("opcua-server", "close", err)
	}
	s.running = false
	logging.DebugDisconnect("opcua-server", s.cfg.Endpoint, "stopped")
}

// Update pushes a tag snapshot into its variable node. Unknown tags
// get a node created on the fly so tags added at runtime show up
// without a restart.
func (s *Server) Update(t tagstore.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	node, ok := s.varNodes[t.Name]
	if !ok {
		node = s.addVariableNode(t)
		if node == nil {
			return
		}
	}
	node.SetValue(dataValue(t))
}

// AddTag creates a variable node for a newly created tag.
func (s *Server) AddTag(t tagstore.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if _, ok := s.varNodes[t.Name]; ok {
		return
	}
	s.addVariableNode(t)
}

// RemoveTag deletes a tag's variable node from the address space.
func (s *Server) RemoveTag(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.varNodes[name]
	if !ok {
		return
	}
	delete(s.varNodes, name)
	if s.srv != nil {
		s.srv.NamespaceManager().DeleteNode(node, true)
	}
}

// NodeID returns the string node id a tag is published under.
func (s *Server) NodeID(tag string) string {
	return fmt.Sprintf("ns=%d;s=%s.%s", nsIndex, s.cfg.DeviceName, tag)
}

func (s *Server) applicationURI() string {
	if s.namespace != "" {
		return "urn:emberlink:" + s.namespace
	}
	return "urn:emberlink"
}

func (s *Server) addDeviceFolder() {
	nm := s.srv.NamespaceManager()
	folder := server.NewObjectNode(
		s.srv,
		ua.NodeIDString{NamespaceIndex: nsIndex, ID: s.cfg.DeviceName},
		ua.QualifiedName{NamespaceIndex: nsIndex, Name: s.cfg.DeviceName},
		ua.LocalizedText{Text: s.cfg.DeviceName},
		ua.LocalizedText{Text: "Simulated device tags"},
		nil,
		[]ua.Reference{
			{
				ReferenceTypeID: ua.ReferenceTypeIDOrganizes,
				IsInverse:       true,
				TargetID:        ua.ExpandedNodeID{NodeID: ua.ObjectIDObjectsFolder},
			},
		},
		0,
	)
	nm.AddNode(folder)
}

// addVariableNode registers one tag variable. Caller holds s.mu.
func (s *Server) addVariableNode(t tagstore.Tag) *server.VariableNode {
	dt, ok := opcDataType(t.Type)
	if !ok {
		logging.DebugLog("opcua-server", "skipping tag %s: unsupported type %s", t.Name, t.Type)
		return nil
	}

	access := ua.AccessLevelsCurrentRead
	if t.Meta.Writable {
		access |= ua.AccessLevelsCurrentWrite
	}
	description := t.Meta.Description
	if description == "" {
		description = t.Name
	}

	node := server.NewVariableNode(
		s.srv,
		ua.NodeIDString{NamespaceIndex: nsIndex, ID: s.cfg.DeviceName + "." + t.Name},
		ua.QualifiedName{NamespaceIndex: nsIndex, Name: t.Name},
		ua.LocalizedText{Text: t.Name},
		ua.LocalizedText{Text: description},
		nil,
		[]ua.Reference{
			{
				ReferenceTypeID: ua.ReferenceTypeIDHasComponent,
				IsInverse:       true,
				TargetID:        ua.ExpandedNodeID{NodeID: ua.NodeIDString{NamespaceIndex: nsIndex, ID: s.cfg.DeviceName}},
			},
		},
		dataValue(t),
		dt,
		ua.ValueRankScalar,
		[]uint32{},
		access,
		250.0,
		false,
		nil,
	)

	if t.Meta.Writable && s.writeFn != nil {
		tagName := t.Name
		node.SetWriteValueHandler(func(_ *server.Session, req ua.WriteValue) (ua.DataValue, ua.StatusCode) {
			return s.handleWrite(tagName, req)
		})
	}

	s.srv.NamespaceManager().AddNode(node)
	s.varNodes[t.Name] = node
	return node
}

// handleWrite routes a client write through the engine. On success the
// returned data value is what the node stores, so it is rebuilt from the
// tag store to pick up the coerced value and fresh timestamp.
func (s *Server) handleWrite(tag string, req ua.WriteValue) (ua.DataValue, ua.StatusCode) {
	if req.AttributeID != ua.AttributeIDValue {
		return ua.DataValue{}, ua.BadAttributeIDInvalid
	}
	if err := s.writeFn(tag, req.Value.Value); err != nil {
		logging.DebugError("opcua-server", "write "+tag, err)
		switch {
		case errors.Is(err, tagstore.ErrTypeMismatch):
			return ua.DataValue{}, ua.BadTypeMismatch
		case errors.Is(err, tagstore.ErrNotFound):
			return ua.DataValue{}, ua.BadNodeIDUnknown
		default:
			return ua.DataValue{}, ua.BadUserAccessDenied
		}
	}
	logging.DebugLog("opcua-server", "client wrote %s = %v", tag, req.Value.Value)
	if t, err := s.store.Get(tag); err == nil {
		return dataValue(t), ua.Good
	}
	return req.Value, ua.Good
}

// dataValue builds an OPC UA data value carrying the tag's quality as
// a status code.
func dataValue(t tagstore.Tag) ua.DataValue {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ua.NewDataValue(t.Value, qualityStatus(t.Quality), ts, 0, time.Now().UTC(), 0)
}

func qualityStatus(q tagstore.Quality) ua.StatusCode {
	switch q {
	case tagstore.QualityUncertain, tagstore.QualityStale:
		return ua.UncertainLastUsableValue
	case tagstore.QualityBad:
		return ua.BadOutOfService
	default:
		return ua.Good
	}
}

func opcDataType(dt tagstore.DataType) (ua.NodeID, bool) {
	switch dt {
	case tagstore.TypeInt:
		return ua.DataTypeIDInt64, true
	case tagstore.TypeFloat:
		return ua.DataTypeIDDouble, true
	case tagstore.TypeString:
		return ua.DataTypeIDString, true
	case tagstore.TypeBool:
		return ua.DataTypeIDBoolean, true
	}
	return nil, false
}

// ensureCertificate reuses an existing key pair or generates a
// self-signed one under CertDir.
func (s *Server) ensureCertificate() (certPath, keyPath string, err error) {
	certPath = filepath.Join(s.cfg.CertDir, "server.crt")
	keyPath = filepath.Join(s.cfg.CertDir, "server.key")

	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return certPath, keyPath, nil
		}
	}

	if err := os.MkdirAll(s.cfg.CertDir, 0o755); err != nil {
		return "", "", err
	}
	logging.DebugLog("opcua-server", "generating self-signed certificate in %s", s.cfg.CertDir)
	if err := createSelfSignedCert(s.cfg.ServerName, s.applicationURI(), certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

func createSelfSignedCert(commonName, appURI, certPath, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	hostname, _ := os.Hostname()
	dnsNames := []string{"localhost"}
	if hostname != "" {
		dnsNames = append(dnsNames, hostname)
	}

	uri, err := url.Parse(appURI)
	if err != nil {
		return fmt.Errorf("application uri: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		URIs:                  []*url.URL{uri},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return err
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
