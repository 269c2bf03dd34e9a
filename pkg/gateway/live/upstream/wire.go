package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const pcmMimeType = "audio/pcm;rate=16000"

// Outbound frames.

type setupFrame struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        systemInstruction  `json:"systemInstruction"`
	InputAudioTranscription  map[string]any     `json:"inputAudioTranscription"`
	OutputAudioTranscription map[string]any     `json:"outputAudioTranscription"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeFrame struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// interpreterPrompt builds the fixed system instruction for one language
// pair. The engine hears speech in the source language and must answer only
// with the spoken translation.
func interpreterPrompt(sourceLanguage, targetLanguage string) string {
	return fmt.Sprintf(
		"You are a professional simultaneous interpreter. The user speaks %s. "+
			"Translate everything they say into %s and respond with only the translation, "+
			"spoken naturally. Do not answer questions, add commentary, or explain; "+
			"interpret faithfully, preserving tone and register.",
		sourceLanguage, targetLanguage,
	)
}

func encodeSetup(model, voice, sourceLanguage, targetLanguage string) ([]byte, error) {
	frame := setupFrame{
		Setup: setupPayload{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO", "TEXT"},
				SpeechConfig: speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
			SystemInstruction: systemInstruction{
				Parts: []textPart{{Text: interpreterPrompt(sourceLanguage, targetLanguage)}},
			},
			InputAudioTranscription:  map[string]any{},
			OutputAudioTranscription: map[string]any{},
		},
	}
	return json.Marshal(frame)
}

func encodeAudio(pcm []byte) ([]byte, error) {
	frame := realtimeFrame{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MimeType: pcmMimeType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	return json.Marshal(frame)
}

// Inbound frames.

type serverFrame struct {
	SetupComplete *struct{}      `json:"setupComplete"`
	ServerContent *serverContent `json:"serverContent"`
}

type serverContent struct {
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
	ModelTurn           *modelTurn     `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
}

type transcription struct {
	Text string `json:"text"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	InlineData *inlineData `json:"inlineData"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// parseServerFrame maps one inbound wire frame to its events. A single frame
// may carry several (transcription deltas, audio parts, and a turn boundary
// arrive together). ok is false when the frame carries nothing the relay
// understands; callers log and drop it.
func parseServerFrame(data []byte) (events []Event, ok bool) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false
	}

	if frame.SetupComplete != nil {
		events = append(events, Ready{})
	}
	if sc := frame.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, UserTranscript{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, ModelTranscript{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData == nil || part.InlineData.Data == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					// Corrupt inline audio; skip the part, keep the frame.
					continue
				}
				events = append(events, Audio{PCM: pcm})
			}
		}
		if sc.TurnComplete {
			events = append(events, TurnComplete{})
		}
	}

	return events, len(events) > 0
}
