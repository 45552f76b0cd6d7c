package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"ollama-relay/pkg/logging/logging"
)

// Transcriber turns an uploaded audio payload into text. The transcoding and
// speech model live outside this service.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// SpeechHandler serves POST /api/speech_to_text.
type SpeechHandler struct {
	Transcriber   Transcriber
	MaxAudioBytes int64
}

func NewSpeechHandler(t Transcriber, maxAudioBytes int64) *SpeechHandler {
	return &SpeechHandler{
		Transcriber:   t,
		MaxAudioBytes: maxAudioBytes,
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// SpeechToText reads the multipart "audio" field and returns its transcription.
func (h *SpeechHandler) SpeechToText(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	if h.Transcriber == nil {
		writeJSONStatus(w, http.StatusNotImplemented, errorResponse{
			Error:  "not_implemented",
			Detail: "speech-to-text pipeline is not configured",
		})
		return
	}

	if h.MaxAudioBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxAudioBytes)
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONStatus(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload_too_large", Detail: "audio upload is too large"})
			return
		}
		logger.Warn("invalid audio upload", zap.Error(err))
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "multipart field \"audio\" is required"})
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		logger.Warn("read audio upload", zap.Error(err))
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "could not read audio upload"})
		return
	}
	if len(audio) == 0 {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "audio upload is empty"})
		return
	}

	logger.Info("audio received",
		zap.String("filename", header.Filename),
		zap.Int("bytes", len(audio)),
	)

	text, err := h.Transcriber.Transcribe(r.Context(), audio, header.Filename)
	if err != nil {
		logger.Error("transcription failed", zap.Error(err))
		writeJSONStatus(w, http.StatusInternalServerError, errorResponse{Error: "transcription_failed", Detail: "could not transcribe audio"})
		return
	}

	logger.Info("audio transcribed", zap.Int("text_bytes", len(text)))
	writeJSON(w, transcriptionResponse{Text: text})
}
