// Package errs holds the sentinel errors surfaced across the voice pipeline.
// Components wrap these with fmt.Errorf("...: %w", ErrX) so callers can use
// errors.Is without caring which provider or transport produced the failure.
package errs

import "errors"

var (
	// ErrEmptyTranscription is returned when a provider produces no text.
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	// ErrTranscriptionFailed covers unrecoverable STT failures.
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	// ErrLLMFailed covers unrecoverable LLM failures.
	ErrLLMFailed = errors.New("language model generation failed")

	// ErrTTSFailed covers unrecoverable TTS failures.
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	// ErrNilProvider is returned when a required collaborator was not injected.
	ErrNilProvider = errors.New("required provider is nil")

	// ErrContextCancelled marks an operation aborted by context cancellation.
	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrParticipantUnknown is returned when a frame arrives for an
	// unregistered participant identity (spec 4.1).
	ErrParticipantUnknown = errors.New("audio frame for unregistered participant")

	// ErrSTTUnavailable marks STT retries exhausted during an active
	// utterance (spec 4.3).
	ErrSTTUnavailable = errors.New("speech recognizer unavailable")

	// ErrLLMTimeout marks no first token within the configured deadline
	// (spec 4.5).
	ErrLLMTimeout = errors.New("language model time-to-first-token exceeded")

	// ErrLLMHTTPError marks a non-2xx response from the LLM server.
	ErrLLMHTTPError = errors.New("language model http error")

	// ErrLLMMalformed marks an unparsable LLM stream.
	ErrLLMMalformed = errors.New("language model response malformed")

	// ErrEgressStalled marks a chunk abandoned after prolonged backpressure
	// (spec 4.6).
	ErrEgressStalled = errors.New("audio egress stalled")

	// ErrBargeInStalled marks TTS/egress failing to stop within the barge-in
	// deadline (spec 4.4, 8).
	ErrBargeInStalled = errors.New("barge-in stop deadline exceeded")

	// ErrSessionCancelled marks a session-level cancellation in progress.
	ErrSessionCancelled = errors.New("session cancelled")

	// ErrVADNotConfigured is returned when audio arrives but no VAD provider
	// was wired into the session.
	ErrVADNotConfigured = errors.New("VAD provider not configured")
)
