package diagnostics

import (
	"fmt"

	"github.com/sjwiesman/settimeout-go/pkg/baselime"
)

// Identity names the instance a diagnostic line comes from.
type Identity struct {
	Name          string `json:"name"`
	ObjectID      string `json:"object_id"`
	RawObjectID   string `json:"raw_object_id"`
	InstanceID    string `json:"instance_id"`
	RawInstanceID string `json:"raw_instance_id"`
}

// Format prefixes message with the instance's name and short ids.
func (i Identity) Format(message string) string {
	return fmt.Sprintf("[%s • %s • %s] %s", i.Name, i.ObjectID, i.InstanceID, message)
}

// Event builds the remote sink event of an already formatted line.
func (i Identity) Event(line string) baselime.Event {
	return baselime.Event{
		Message:   line,
		Namespace: i.Name,
		Data: baselime.Data{
			ObjectID:      i.ObjectID,
			RawObjectID:   i.RawObjectID,
			InstanceID:    i.InstanceID,
			RawInstanceID: i.RawInstanceID,
		},
	}
}
