package weather

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Hours is the number of tokens in every update line.
	Hours = 12
	// UpdatePrefix starts every successful update line.
	UpdatePrefix = "u:"
	// ErrorToken replaces the update line when the forecast is unavailable.
	ErrorToken = "err"
	// DefaultToken pads the update line when the forecast has fewer than Hours records.
	DefaultToken = "00"
)

// Scorer turns one hourly record into a score in 0..255.
type Scorer interface {
	Score(qpf, pop float64) (int, error)
}

// ErrNoForecast is returned for a payload without an hourly_forecast array.
// The API answers some failures, such as an unknown key, with HTTP 200 and
// an error document instead of a forecast.
var ErrNoForecast = errors.New("weather: payload has no hourly_forecast")

type forecastDocument struct {
	Response struct {
		Error *upstreamError `json:"error"`
	} `json:"response"`
	HourlyForecast []hourlyRecord `json:"hourly_forecast"`
}

type upstreamError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type hourlyRecord struct {
	Time struct {
		Hour string `json:"hour"`
		Min  string `json:"min"`
	} `json:"FCTTIME"`
	QPF struct {
		Metric lenientFloat `json:"metric"`
	} `json:"qpf"`
	POP lenientFloat `json:"pop"`
}

// lenientFloat accepts JSON numbers and numeric strings. Anything else,
// including empty strings and nulls, decodes to zero.
type lenientFloat float64

func (f *lenientFloat) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		trimmed = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = lenientFloat(v)
	return nil
}

// HourScore is one scored forecast hour, kept for logging.
type HourScore struct {
	Hour  string
	Min   string
	QPF   float64
	POP   float64
	Score int
}

// ScoreForecast decodes the payload and scores up to Hours records.
func ScoreForecast(payload []byte, scorer Scorer) ([]HourScore, error) {
	if scorer == nil {
		return nil, errors.New("weather: scorer required")
	}
	doc, err := decodeForecast(payload)
	if err != nil {
		return nil, err
	}
	n := min(len(doc.HourlyForecast), Hours)
	scores := make([]HourScore, 0, n)
	for _, rec := range doc.HourlyForecast[:n] {
		qpf, pop := float64(rec.QPF.Metric), float64(rec.POP)
		score, err := scorer.Score(qpf, pop)
		if err != nil {
			return nil, fmt.Errorf("weather: score %s:%s: %w", rec.Time.Hour, rec.Time.Min, err)
		}
		scores = append(scores, HourScore{Hour: rec.Time.Hour, Min: rec.Time.Min, QPF: qpf, POP: pop, Score: score})
	}
	return scores, nil
}

// CheckPayload rejects bodies that cannot produce an update line: invalid
// JSON, an upstream error document, or a missing hourly_forecast array.
func CheckPayload(payload []byte) error {
	_, err := decodeForecast(payload)
	return err
}

func decodeForecast(payload []byte) (forecastDocument, error) {
	var doc forecastDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return forecastDocument{}, fmt.Errorf("weather: decode forecast: %w", err)
	}
	if e := doc.Response.Error; e != nil {
		return forecastDocument{}, fmt.Errorf("weather: upstream error %q: %s", e.Type, e.Description)
	}
	if doc.HourlyForecast == nil {
		return forecastDocument{}, ErrNoForecast
	}
	return doc, nil
}

// FormatUpdate renders the wire line: "u:" followed by exactly Hours
// two-digit hex tokens joined by "|". Missing hours use DefaultToken.
func FormatUpdate(scores []HourScore) string {
	tokens := make([]string, 0, Hours)
	for _, s := range scores {
		if len(tokens) == Hours {
			break
		}
		tokens = append(tokens, FormatToken(s.Score))
	}
	for len(tokens) < Hours {
		tokens = append(tokens, DefaultToken)
	}
	return UpdatePrefix + strings.Join(tokens, "|")
}

// FormatToken renders a score as two lowercase hex digits, clamping to 0..255.
func FormatToken(score int) string {
	score = max(0, min(score, 255))
	return fmt.Sprintf("%02x", score)
}
