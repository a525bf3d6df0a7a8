package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/sdxl-assets/sam/internal/sync"
)

// PhaseData is the payload of a phase message.
type PhaseData struct {
	PassID string     `json:"pass_id"`
	Phase  sync.Phase `json:"phase"`
}

// RecordData is the payload of a record message.
type RecordData struct {
	PassID string          `json:"pass_id"`
	Pair   string          `json:"pair"`
	Title  string          `json:"title,omitempty"`
	Kind   sync.ChangeKind `json:"kind"`
	Action sync.Action     `json:"action"`
	Error  string          `json:"error,omitempty"`
}

// PassData is the payload of a pass_finished message.
type PassData struct {
	PassID    string                  `json:"pass_id"`
	Phase     sync.Phase              `json:"phase"`
	Policy    sync.Policy             `json:"policy"`
	Cancelled bool                    `json:"cancelled,omitempty"`
	Duration  time.Duration           `json:"duration"`
	Counts    map[sync.ChangeKind]int `json:"counts"`
	Applied   int                     `json:"applied"`
	Pending   int                     `json:"pending"`
	Errors    int                     `json:"errors"`
	Unapplied int                     `json:"unapplied"`
	Summary   string                  `json:"summary"`
}

// Handler turns engine progress into dashboard messages. It implements
// sync.Observer.
type Handler struct {
	server *Server
	logger *log.Logger
}

// Ensure Handler implements sync.Observer.
var _ sync.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// PhaseChanged implements sync.Observer.
func (h *Handler) PhaseChanged(passID string, phase sync.Phase) {
	h.send(MessageTypePhase, PhaseData{PassID: passID, Phase: phase})
}

// RecordApplied implements sync.Observer.
func (h *Handler) RecordApplied(passID string, action sync.PlannedAction, err error) {
	data := RecordData{
		PassID: passID,
		Pair:   action.Pair.String(),
		Title:  action.Title,
		Kind:   action.Kind,
		Action: action.Action,
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeRecord, data)
}

// PassFinished implements sync.Observer. The summary also becomes the
// greeting for clients that connect later.
func (h *Handler) PassFinished(rep *sync.Report) {
	data := PassData{
		PassID:    rep.PassID,
		Phase:     rep.Phase,
		Policy:    rep.Policy,
		Cancelled: rep.Cancelled,
		Duration:  rep.Duration(),
		Counts:    rep.Counts,
		Applied:   rep.Applied,
		Pending:   len(rep.Pending()),
		Errors:    len(rep.Errors),
		Unapplied: len(rep.Unapplied),
		Summary:   rep.Summary(),
	}
	if raw := h.send(MessageTypePassFinished, data); raw != nil {
		h.server.setHello(raw)
	}
}

func (h *Handler) send(typ MessageType, v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return nil
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
	return raw
}
