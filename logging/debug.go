package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging with hex dump capability.
// It writes to a dedicated debug.log file and is intended for troubleshooting
// publisher-level issues such as broker connection errors, dropped
// connections, and frame encoding problems.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Category filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known categories for filtering
var knownCategories = []string{
	"mqtt",
	"sparkplug",
	"kafka",
	"valkey",
	"amqp",
	"websocket",
	"modbus",
	"opcua", "opcua/client", "opcua/server",
	"sqlite",
	"sim",
	"scheduler",
	"engine",
	"api",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is created fresh (truncated if it exists) for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	// Write header
	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("DEBUG", "========================================")

	return logger, nil
}

// SetFilter sets the category filter for logging.
// The filter can be a single category or comma-separated list.
// Empty string means log all categories.
// Categories are matched case-insensitively.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" {
		return // Empty filter = log all
	}

	// Parse comma-separated categories
	categories := strings.Split(filter, ",")
	for _, c := range categories {
		c = strings.TrimSpace(strings.ToLower(c))
		if c != "" {
			l.filters[c] = true
			// Also add related categories
			switch c {
			case "opcua":
				l.filters["opcua/client"] = true
				l.filters["opcua/server"] = true
			case "mqtt":
				l.filters["sparkplug"] = true
			}
		}
	}

	// Log the filter configuration
	if len(l.filters) > 0 {
		filterList := make([]string, 0, len(l.filters))
		for c := range l.filters {
			filterList = append(filterList, c)
		}
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for categories: %s\n",
			timestamp, strings.Join(filterList, ", "))
	}
}

// shouldLog returns true if the category should be logged based on current filter.
// Must be called with l.mu held.
func (l *DebugLogger) shouldLog(category string) bool {
	// Empty filter = log everything
	if len(l.filters) == 0 {
		return true
	}

	// Check if category matches filter (case-insensitive)
	categoryLower := strings.ToLower(category)
	if l.filters[categoryLower] {
		return true
	}

	// Always allow DEBUG messages (for header/footer)
	if categoryLower == "debug" {
		return true
	}

	return false
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and category prefix.
func (l *DebugLogger) Log(category, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(category) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, category, msg)
}

// LogTX logs a transmitted frame with hex dump.
func (l *DebugLogger) LogTX(category string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(category, "TX", data)
}

// LogRX logs a received frame with hex dump.
func (l *DebugLogger) LogRX(category string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(category, "RX", data)
}

// logPacket logs a frame with direction and hex dump.
func (l *DebugLogger) logPacket(category, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(category) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes):\n", timestamp, category, direction, len(data))
	fmt.Fprintf(l.file, "%s\n", hexDump(data))
}

// LogConnect logs a connection event.
func (l *DebugLogger) LogConnect(category, address string) {
	l.Log(category, "CONNECT to %s", address)
}

// LogConnectSuccess logs a successful connection.
func (l *DebugLogger) LogConnectSuccess(category, address, details string) {
	l.Log(category, "CONNECTED to %s - %s", address, details)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(category, address string, err error) {
	l.Log(category, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection event.
func (l *DebugLogger) LogDisconnect(category, address, reason string) {
	l.Log(category, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(category, context string, err error) {
	l.Log(category, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	// Write footer
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", timestamp)

	return l.file.Close()
}

// hexDump returns a hex dump of the data in a readable format.
// Format: offset: hex bytes   ASCII
// Example:
//
//	0000: 00 01 00 00 00 09 01 10  00 00 00 02 04 41 c8 00  .............A..
//	0010: 00                                                .
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		// Offset
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))

		// Hex bytes (first 8)
		for i := 0; i < 8; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		// Hex bytes (second 8)
		for i := 8; i < 16; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		// ASCII representation
		for i := 0; i < 16; i++ {
			if offset+i < len(data) {
				b := data[offset+i]
				if b >= 32 && b < 127 {
					sb.WriteByte(b)
				} else {
					sb.WriteByte('.')
				}
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// Global debug logging functions for use by publisher packages

// DebugLog logs a message if debug logging is enabled.
func DebugLog(category, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(category, format, args...)
	}
}

// DebugTX logs transmitted data if debug logging is enabled.
func DebugTX(category string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(category, data)
	}
}

// DebugRX logs received data if debug logging is enabled.
func DebugRX(category string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(category, data)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(category, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(category, address)
	}
}

// DebugConnectSuccess logs a successful connection if debug logging is enabled.
func DebugConnectSuccess(category, address, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(category, address, details)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(category, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(category, address, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(category, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(category, address, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(category, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(category, context, err)
	}
}
