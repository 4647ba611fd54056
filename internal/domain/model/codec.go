package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// wireEvent is the JSON shape of one ingested event. session_id may be a
// string or a number, timestamp may be RFC 3339 or epoch milliseconds.
type wireEvent struct {
	EventID     string          `json:"event_id,omitempty"`
	SessionID   json.RawMessage `json:"session_id"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Blink       bool            `json:"blink"`
	FixationMS  *float64        `json:"fixation_duration_ms,omitempty"`
	PupilMM     *float64        `json:"pupil_diameter_mm,omitempty"`
	PupilAreaPX *float64        `json:"pupil_area_px,omitempty"`
}

// DecodeEvent parses one JSON event. When pupil_diameter_mm is absent and
// pupil_area_px is present, the diameter is derived from the contour area
// using pixelsPerMM; a zero area (blink frame) carries no pupil sample.
func DecodeEvent(data []byte, pixelsPerMM float64) (Event, error) {
	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Event{}, Reject(RejectMalformed, err.Error())
	}
	id, err := decodeSessionID(w.SessionID)
	if err != nil {
		return Event{}, err
	}
	ts, err := decodeTimestamp(w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		EventID:    w.EventID,
		SessionID:  id,
		Timestamp:  ts,
		Blink:      w.Blink,
		FixationMS: w.FixationMS,
		PupilMM:    w.PupilMM,
	}
	if ev.PupilMM == nil && w.PupilAreaPX != nil && *w.PupilAreaPX > 0 && pixelsPerMM > 0 {
		ev.PupilMM = Float(AreaToDiameterMM(*w.PupilAreaPX, pixelsPerMM))
	}
	return ev, nil
}

// AreaToDiameterMM converts a pupil contour area in square pixels to the
// diameter of the equivalent circle in millimetres.
func AreaToDiameterMM(areaPX, pixelsPerMM float64) float64 {
	return 2 * math.Sqrt(areaPX/math.Pi) / pixelsPerMM
}

func decodeSessionID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", Reject(RejectEmptySession, "")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", Reject(RejectMalformed, "session_id must be a string or number")
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, Reject(RejectZeroTimestamp, "")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, perr := time.Parse(time.RFC3339Nano, s)
		if perr != nil {
			return time.Time{}, Reject(RejectMalformed, "timestamp: "+perr.Error())
		}
		return ts.UTC(), nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, Reject(RejectMalformed, "timestamp must be RFC 3339 or epoch milliseconds")
	}
	return time.UnixMicro(int64(ms * 1000)).UTC(), nil
}

// EncodeEvent renders ev in the wire format accepted by DecodeEvent.
func EncodeEvent(ev Event) ([]byte, error) {
	id, err := json.Marshal(ev.SessionID)
	if err != nil {
		return nil, err
	}
	ts, err := json.Marshal(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		EventID:    ev.EventID,
		SessionID:  id,
		Timestamp:  ts,
		Blink:      ev.Blink,
		FixationMS: ev.FixationMS,
		PupilMM:    ev.PupilMM,
	})
}
