package latency

// Sink persists records. *Logger implements it.
type Sink interface {
	Write(Record) error
}

// Observer is notified of every record after it was persisted.
type Observer interface {
	Observe(Record)
}

// Recorder is the receive pipeline shared by the socket and poll-mode
// receivers. With decode disabled only arrival time and length are recorded.
type Recorder struct {
	sink   Sink
	decode bool
	obs    Observer
}

// NewRecorder creates a recorder writing to sink. obs may be nil.
func NewRecorder(sink Sink, decode bool, obs Observer) *Recorder {
	return &Recorder{sink: sink, decode: decode, obs: obs}
}

// Record measures and persists one arrival.
// payload is nil when the frame carrying it could not be parsed.
func (r *Recorder) Record(arrivalNs uint64, wireLen int, payload []byte) (Record, error) {
	var rec Record
	if r.decode {
		rec = Measure(arrivalNs, wireLen, payload)
	} else {
		rec = Measure(arrivalNs, wireLen, nil)
	}
	if err := r.sink.Write(rec); err != nil {
		return rec, err
	}
	if r.obs != nil {
		r.obs.Observe(rec)
	}
	return rec, nil
}
