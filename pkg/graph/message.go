package graph

import (
	"encoding/json"
	"fmt"
)

// Message is the detail record of one mail message. ID and Subject are
// decoded; every other top-level field is kept raw in Fields.
type Message struct {
	ID      string
	Subject string
	Fields  map[string]json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("message body is null")
	}

	var msg Message
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &msg.ID); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		delete(raw, "id")
	}
	if v, ok := raw["subject"]; ok {
		if err := json.Unmarshal(v, &msg.Subject); err != nil {
			return fmt.Errorf("decode subject: %w", err)
		}
		delete(raw, "subject")
	}
	if len(raw) > 0 {
		msg.Fields = raw
	}

	*m = msg
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["id"] = m.ID
	out["subject"] = m.Subject
	return json.Marshal(out)
}

// Field decodes the named extra field into v. It reports false when the
// field is absent.
func (m *Message) Field(name string, v any) (bool, error) {
	raw, ok := m.Fields[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// User is the signed-in principal returned by /me.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail"`
}

// listQuery is the query of the message list request.
type listQuery struct {
	Select string `url:"$select"`
	Top    int    `url:"$top"`
}

// listPage is one page of the message list response.
type listPage struct {
	Value []struct {
		ID string `json:"id"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// errorBody is the Graph error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
