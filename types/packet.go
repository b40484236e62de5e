package types

import (
	"time"

	"github.com/google/uuid"
)

// DataKind names a family of data exchanged between tools.
type DataKind string

const (
	KindMarkdownNote     DataKind = "markdown_note"
	KindVaultIndex       DataKind = "vault_index"
	KindSearchResults    DataKind = "search_results"
	KindCalendarEvent    DataKind = "calendar_event"
	KindTimeSlot         DataKind = "time_slot"
	KindIssue            DataKind = "issue"
	KindProjectInfo      DataKind = "project_info"
	KindProtocolRequest  DataKind = "protocol_request"
	KindProtocolResponse DataKind = "protocol_response"
	KindTextContent      DataKind = "text_content"
	KindJSONData         DataKind = "json_data"
	KindErrorMessage     DataKind = "error_message"
	KindStatusUpdate     DataKind = "status_update"
)

// DataType tags a packet. Key carries the kind-specific identifier: the note
// path, calendar event id, issue key, project key, protocol method or request id.
type DataType struct {
	Kind DataKind `json:"kind"`
	Key  string   `json:"key,omitempty"`
}

// Of returns a DataType with no key.
func Of(kind DataKind) DataType { return DataType{Kind: kind} }

func CalendarEvent(eventID string) DataType  { return DataType{Kind: KindCalendarEvent, Key: eventID} }
func MarkdownNote(path string) DataType      { return DataType{Kind: KindMarkdownNote, Key: path} }
func Issue(issueKey string) DataType         { return DataType{Kind: KindIssue, Key: issueKey} }
func ProjectInfo(projectKey string) DataType { return DataType{Kind: KindProjectInfo, Key: projectKey} }

func (d DataType) String() string {
	if d.Key == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + ":" + d.Key
}

// DataPacket is a unit of data sent between tools. An empty TargetTool means
// broadcast.
type DataPacket struct {
	ID         string            `json:"id"`
	SourceTool string            `json:"sourceTool"`
	TargetTool string            `json:"targetTool,omitempty"`
	DataType   DataType          `json:"dataType"`
	Payload    any               `json:"payload"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata"`
}

// NewDataPacket returns a broadcast packet with a fresh id.
func NewDataPacket(sourceTool string, dataType DataType, payload any) DataPacket {
	return DataPacket{
		ID:         uuid.NewString(),
		SourceTool: sourceTool,
		DataType:   dataType,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		Metadata:   make(map[string]string),
	}
}

func (p DataPacket) WithTarget(targetTool string) DataPacket {
	p.TargetTool = targetTool
	return p
}

func (p DataPacket) WithMetadata(key, value string) DataPacket {
	md := make(map[string]string, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		md[k] = v
	}
	md[key] = value
	p.Metadata = md
	return p
}

// IsBroadcast reports whether the packet has no explicit target.
func (p DataPacket) IsBroadcast() bool { return p.TargetTool == "" }
