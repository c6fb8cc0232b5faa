package types

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestAICallLogCarriesModelField(t *testing.T) {
	projectID := uuid.New()
	entry := AICallLog{
		ID:        uuid.New(),
		ProjectID: &projectID,
		CallType:  CallTypeBrief,
		Model:     "gpt-5.2",
		Success:   true,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["model"] != "gpt-5.2" {
		t.Fatalf("model = %v, want gpt-5.2", decoded["model"])
	}
	if decoded["call_type"] != CallTypeBrief {
		t.Fatalf("call_type = %v, want %q", decoded["call_type"], CallTypeBrief)
	}
}
