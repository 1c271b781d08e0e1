package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents a finalized utterance broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptionUpdate is the bus rendition of a caption sink update.
type CaptionUpdate struct {
	RunID          string    `json:"run_id"`
	Sequence       uint64    `json:"sequence"`
	Source         string    `json:"source"`
	Translated     string    `json:"translated"`
	SourceLanguage string    `json:"source_language,omitempty"`
	TargetLanguage string    `json:"target_language,omitempty"`
	Lines          int       `json:"lines"`
	Mode           string    `json:"mode"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectCaptionUpdate    = "caption.update"
)

// AudioFrameSubject is the subject frames for one session are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
