package quicklook

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EventFlags holds the four boolean qualifiers carried by every wire event.
type EventFlags struct {
	TrgX     bool `json:"trg_x"`
	TrgG     bool `json:"trg_g"`
	NoData   bool `json:"no_data"`
	IsGEvent bool `json:"is_g_event"`
}

// Event is one decoded detector hit (or polled-but-empty record).
// Times are microseconds in the source's own monotonic time base; they are
// not comparable across sources. An Event is immutable once decoded.
type Event struct {
	TimeUS  int64      `json:"t_us"`
	Channel int        `json:"channel"`
	AdcX    int        `json:"adc_x"`
	AdcGtop int        `json:"adc_gtop"`
	AdcGbot int        `json:"adc_gbot"`
	Flags   EventFlags `json:"flags"`
}

// wireEvent distinguishes missing required fields from zero values.
type wireEvent struct {
	TimeUS  *int64      `json:"t_us"`
	Channel *int        `json:"channel"`
	AdcX    int         `json:"adc_x"`
	AdcGtop int         `json:"adc_gtop"`
	AdcGbot int         `json:"adc_gbot"`
	Flags   *EventFlags `json:"flags"`
}

// DecodeEvent parses one newline-delimited wire record into an Event.
// It rejects malformed JSON, records missing t_us or channel, and channel
// numbers outside [0, MaxChannels). ADC values are passed through as opaque
// integers; the aggregator clamps them at histogram-bucket time.
func DecodeEvent(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, fmt.Errorf("event record is not valid JSON: %v", err)
	}
	if w.TimeUS == nil {
		return Event{}, fmt.Errorf("event record lacks required field t_us")
	}
	if w.Channel == nil {
		return Event{}, fmt.Errorf("event record lacks required field channel")
	}
	if *w.Channel < 0 || *w.Channel >= MaxChannels {
		return Event{}, fmt.Errorf("event channel %d outside [0,%d)", *w.Channel, MaxChannels)
	}
	ev := Event{
		TimeUS:  *w.TimeUS,
		Channel: *w.Channel,
		AdcX:    w.AdcX,
		AdcGtop: w.AdcGtop,
		AdcGbot: w.AdcGbot,
	}
	if w.Flags != nil {
		ev.Flags = *w.Flags
	}
	return ev, nil
}

// Append serializes ev as one wire record (no trailing newline) onto buf and
// returns the extended buffer. The field order matches the upstream
// generators so that recorded captures are byte-for-byte replayable.
func (ev Event) Append(buf []byte) []byte {
	buf = append(buf, `{"t_us":`...)
	buf = strconv.AppendInt(buf, ev.TimeUS, 10)
	buf = append(buf, `,"channel":`...)
	buf = strconv.AppendInt(buf, int64(ev.Channel), 10)
	buf = append(buf, `,"adc_x":`...)
	buf = strconv.AppendInt(buf, int64(ev.AdcX), 10)
	buf = append(buf, `,"adc_gtop":`...)
	buf = strconv.AppendInt(buf, int64(ev.AdcGtop), 10)
	buf = append(buf, `,"adc_gbot":`...)
	buf = strconv.AppendInt(buf, int64(ev.AdcGbot), 10)
	buf = append(buf, `,"flags":{"trg_x":`...)
	buf = strconv.AppendBool(buf, ev.Flags.TrgX)
	buf = append(buf, `,"trg_g":`...)
	buf = strconv.AppendBool(buf, ev.Flags.TrgG)
	buf = append(buf, `,"no_data":`...)
	buf = strconv.AppendBool(buf, ev.Flags.NoData)
	buf = append(buf, `,"is_g_event":`...)
	buf = strconv.AppendBool(buf, ev.Flags.IsGEvent)
	buf = append(buf, `}}`...)
	return buf
}
