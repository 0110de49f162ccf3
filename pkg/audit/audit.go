package audit

import (
	"fmt"
	"sync"

	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/selfsign"
	"github.com/remiblancher/qpiv/pkg/x509util"
)

var (
	// globalWriter is the default audit writer.
	globalWriter Writer = NopWriter{}
	globalMu     sync.RWMutex

	enabled bool
)

// Init sets the global writer. A nil writer disables auditing.
func Init(w Writer) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if w == nil {
		globalWriter = NopWriter{}
		enabled = false
		return nil
	}
	globalWriter = w
	enabled = true
	return nil
}

// InitFile sets the global writer to a file writer for path. An empty
// path disables auditing.
func InitFile(path string) error {
	if path == "" {
		return Init(nil)
	}
	w, err := NewFileWriter(path)
	if err != nil {
		return err
	}
	return Init(w)
}

// Close closes the global writer and disables auditing.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	err := globalWriter.Close()
	globalWriter = NopWriter{}
	enabled = false
	return err
}

// Enabled reports whether audit logging is active.
func Enabled() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return enabled
}

// Log writes an event to the global writer.
func Log(event *Event) error {
	globalMu.RLock()
	w := globalWriter
	globalMu.RUnlock()

	return w.Write(event)
}

// MustLog writes an event and wraps a failure so the calling operation can
// fail with it.
//
//	if err := audit.MustLog(event); err != nil {
//	    return nil, err
//	}
func MustLog(event *Event) error {
	if err := Log(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

// LogKeyGenerated logs a key generated on the token.
func LogKeyGenerated(h *piv.KeyHandle, token string) error {
	event := NewEvent(EventKeyGenerated, ResultSuccess).
		WithObject(Object{Type: "key", Slot: h.Slot.String()}).
		WithContext(Context{
			Algorithm:   h.Algorithm.String(),
			PinPolicy:   h.PinPolicy.String(),
			TouchPolicy: h.TouchPolicy.String(),
			Token:       token,
		})
	return MustLog(event)
}

// LogCertIssued logs a self-signed certificate produced for a slot.
func LogCertIssued(cert *x509util.Certificate, slot piv.SlotID, token string) error {
	obj := Object{
		Type:        "certificate",
		Slot:        slot.String(),
		Serial:      cert.Serial().Text(16),
		Fingerprint: cert.Fingerprint(),
	}
	if name, err := cert.TBS.Subject(); err == nil {
		obj.Subject = name.String()
	}
	event := NewEvent(EventCertIssued, ResultSuccess).
		WithObject(obj).
		WithContext(Context{Algorithm: cert.Algorithm.String(), Token: token})
	return MustLog(event)
}

// LogCertStored logs a certificate written back into its slot.
func LogCertStored(serial, fingerprint string, slot piv.SlotID, token string, success bool, reason string) error {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	event := NewEvent(EventCertStored, result).
		WithObject(Object{Type: "certificate", Slot: slot.String(), Serial: serial, Fingerprint: fingerprint}).
		WithContext(Context{Token: token, Reason: reason})
	return MustLog(event)
}

// LogIssueFailed logs a failed issuance. PIN and management key failures
// are logged as AUTH_FAILED.
func LogIssueFailed(ie *selfsign.IssueError, token string) error {
	class := piv.Classify(ie.Err)
	eventType := EventIssueFailed
	if class == piv.ClassAuthentication {
		eventType = EventAuthFailed
	}
	event := NewEvent(eventType, ResultFailure).
		WithObject(Object{Type: "key", Slot: ie.Slot.String()}).
		WithContext(Context{
			Algorithm: ie.Algorithm.String(),
			Stage:     ie.Stage.String(),
			Class:     class.String(),
			Reason:    ie.Err.Error(),
			Token:     token,
		})
	return MustLog(event)
}

// Auditor adapts the global audit log to selfsign.Auditor.
type Auditor struct {
	// Token identifies the token in events.
	Token string
}

var _ selfsign.Auditor = Auditor{}

func (a Auditor) KeyGenerated(h *piv.KeyHandle) error {
	return LogKeyGenerated(h, a.Token)
}

func (a Auditor) Issued(cert *x509util.Certificate, slot piv.SlotID) error {
	return LogCertIssued(cert, slot, a.Token)
}

func (a Auditor) Failed(err *selfsign.IssueError) error {
	return LogIssueFailed(err, a.Token)
}
