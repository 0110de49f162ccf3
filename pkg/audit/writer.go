package audit

// Writer persists audit events.
//
// Write validates the event, links it to the previous one (HashPrev, Hash),
// and returns only once the event is durable.
type Writer interface {
	Write(event *Event) error
	Close() error
	// LastHash is the hash of the last event, GenesisHash when empty.
	LastHash() string
}

// NopWriter discards events. Used when audit logging is disabled.
type NopWriter struct{}

var _ Writer = NopWriter{}

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// MultiWriter writes every event to all writers and fails on the first
// failing writer.
type MultiWriter struct {
	writers []Writer
}

var _ Writer = (*MultiWriter)(nil)

// NewMultiWriter returns a writer fanning out to writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(event *Event) error {
	for i, w := range m.writers {
		// Each writer chains independently.
		e := *event
		if err := w.Write(&e); err != nil {
			return err
		}
		if i == 0 {
			event.HashPrev, event.Hash = e.HashPrev, e.Hash
		}
	}
	return nil
}

func (m *MultiWriter) Close() error {
	var lastErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *MultiWriter) LastHash() string {
	if len(m.writers) > 0 {
		return m.writers[0].LastHash()
	}
	return GenesisHash
}
