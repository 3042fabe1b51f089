package events

import (
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lumapix/restoration-service/internal/domain"
)

// eventRecord builds the Kafka record for one transition. The job id is
// the key so all transitions of a job land on one partition in order.
func eventRecord(topic string, ev domain.JobEvent) (*kgo.Record, error) {
	if ev.JobID == "" {
		return nil, fmt.Errorf("op=events.eventRecord: %w: empty job id", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=events.eventRecord: marshal: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(ev.JobID)},
			{Key: "status", Value: []byte(ev.Status)},
		},
	}, nil
}

// decodeEvent parses a consumed record back into a JobEvent. Records
// whose body omits the job id fall back to the record key.
func decodeEvent(rec *kgo.Record) (domain.JobEvent, error) {
	var ev domain.JobEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		return domain.JobEvent{}, fmt.Errorf("op=events.decodeEvent: unmarshal: %w", err)
	}
	if ev.JobID == "" {
		ev.JobID = string(rec.Key)
	}
	if ev.JobID == "" {
		return domain.JobEvent{}, fmt.Errorf("op=events.decodeEvent: %w: record carries no job id", domain.ErrInvalidArgument)
	}
	return ev, nil
}
