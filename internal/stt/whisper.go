package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

// WhisperTranscriber posts each utterance to a whisper.cpp server's
// /inference endpoint.
type WhisperTranscriber struct {
	endpoint   string
	language   string
	httpClient *http.Client
}

func NewWhisperTranscriber(endpoint, language string, timeout time.Duration) (*WhisperTranscriber, error) {
	if endpoint == "" {
		return nil, errors.New("whisper endpoint must not be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhisperTranscriber{
		endpoint:   strings.TrimRight(endpoint, "/"),
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (string, error) {
	path, err := writeTempWav(pcm, sampleRate, channels)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	wav, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("whisper: open wav: %w", err)
	}
	defer wav.Close()

	body, contentType := w.form(wav)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// form streams the multipart body through a pipe.
func (w *WhisperTranscriber) form(wav io.Reader) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			fw, err := mw.CreateFormFile("file", "audio.wav")
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, wav); err != nil {
				return err
			}
			if w.language != "" {
				if err := mw.WriteField("language", w.language); err != nil {
					return err
				}
			}
			if err := mw.WriteField("response_format", "json"); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}
