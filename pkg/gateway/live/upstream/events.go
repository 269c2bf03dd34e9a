package upstream

// Event is the closed set of things the upstream engine can tell a session.
// Wire-format fragility stays inside this package; the session state machine
// only ever sees these.
type Event interface{ isEvent() }

// Ready signals that the engine accepted the setup frame and will take audio.
type Ready struct{}

// UserTranscript is a transcription delta of the user's speech.
type UserTranscript struct {
	Text string
}

// ModelTranscript is a transcription delta of the engine's spoken output.
type ModelTranscript struct {
	Text string
}

// Audio is a chunk of engine-generated audio, already base64-decoded.
type Audio struct {
	PCM []byte
}

// TurnComplete marks the end of one exchange unit.
type TurnComplete struct{}

// Closed is the last event a connection delivers. Err is nil on a clean
// close.
type Closed struct {
	Err error
}

func (Ready) isEvent()           {}
func (UserTranscript) isEvent()  {}
func (ModelTranscript) isEvent() {}
func (Audio) isEvent()           {}
func (TurnComplete) isEvent()    {}
func (Closed) isEvent()          {}
