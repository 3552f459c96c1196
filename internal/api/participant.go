package api

import (
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/groupchat/internal/assignment"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/observ"
	"github.com/lalith-99/groupchat/internal/plan"
	"github.com/lalith-99/groupchat/internal/repository"
	"go.uber.org/zap"
)

// MaxMessageLength caps a participant chat message, in characters.
const MaxMessageLength = 4000

// ParticipantHandler serves the public participant endpoints. Participants
// do not authenticate; they present the id handed to them by the survey.
type ParticipantHandler struct {
	assigner    *assignment.Service
	experiments repository.ExperimentRepository
	groups      repository.GroupRepository
	metrics     *observ.Metrics
	now         func() time.Time
	logger      *zap.Logger
}

func NewParticipantHandler(
	assigner *assignment.Service,
	experiments repository.ExperimentRepository,
	groups repository.GroupRepository,
	metrics *observ.Metrics,
	logger *zap.Logger,
) *ParticipantHandler {
	return &ParticipantHandler{
		assigner:    assigner,
		experiments: experiments,
		groups:      groups,
		metrics:     metrics,
		now:         time.Now,
		logger:      logger,
	}
}

type assignRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

type assignResponse struct {
	GroupID string `json:"groupId"`
}

// Assign handles POST /v1/experiments/:id/assign
//
// Safe to call repeatedly: a participant who already has a group gets the
// same id back. A 503 means the call lost too many races and can be retried
// as is.
func (h *ParticipantHandler) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	participantID := strings.TrimSpace(req.ParticipantID)
	if participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId is required"})
		return
	}

	groupID, err := h.assigner.Assign(c.Request.Context(), participantID, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, assignment.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
		case errors.Is(err, assignment.ErrAssignmentFailed):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "assignment contended, retry"})
		default:
			h.logger.Error("failed to assign participant",
				zap.String("experiment_id", c.Param("id")),
				zap.String("participant_id", participantID),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assign participant"})
		}
		return
	}
	c.JSON(http.StatusOK, assignResponse{GroupID: groupID})
}

// LookupGroup handles GET /v1/experiments/:id/participants/:pid/group
//
// Read-only counterpart of Assign for a page reload: the participant's
// current group, or 404 when they have not been placed.
func (h *ParticipantHandler) LookupGroup(c *gin.Context) {
	participantID := strings.TrimSpace(c.Param("pid"))
	groupID, ok, err := h.assigner.GroupOf(c.Request.Context(), participantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, assignment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
			return
		}
		h.logger.Error("failed to look up participant group",
			zap.String("experiment_id", c.Param("id")),
			zap.String("participant_id", participantID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up group"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not assigned"})
		return
	}
	c.JSON(http.StatusOK, assignResponse{GroupID: groupID})
}

// groupView is a group as participants see it: timeline sorted, markers
// left out.
type groupView struct {
	ID           string           `json:"id"`
	ExperimentID string           `json:"experimentId"`
	Name         string           `json:"name"`
	GroupType    models.GroupType `json:"groupType"`
	Users        []string         `json:"users"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	Messages     []models.Message `json:"messages"`
}

func newGroupView(g *models.Group) groupView {
	return groupView{
		ID:           g.ID,
		ExperimentID: g.ExperimentID,
		Name:         g.Name,
		GroupType:    g.GroupType,
		Users:        g.Users,
		CreatedAt:    g.CreatedAt,
		StartedAt:    g.StartedAt,
		Messages:     g.SortedMessages(),
	}
}

// GetGroup handles GET /v1/groups/:id
func (h *ParticipantHandler) GetGroup(c *gin.Context) {
	g, ok := h.loadGroup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newGroupView(g))
}

type sendMessageRequest struct {
	SenderID   string `json:"senderId" binding:"required"`
	SenderName string `json:"senderName"`
	Text       string `json:"text" binding:"required"`
}

// SendMessage handles POST /v1/groups/:id/messages
//
// Human messages are appended without a transaction; a retried request
// may show up twice and that is accepted.
func (h *ParticipantHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is too long"})
		return
	}
	if req.SenderID == models.AdminSenderID {
		c.JSON(http.StatusForbidden, gin.H{"error": "reserved sender id"})
		return
	}

	g, ok := h.loadGroup(c)
	if !ok {
		return
	}
	if !g.HasUser(req.SenderID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender is not a member of this group"})
		return
	}

	name := strings.TrimSpace(req.SenderName)
	if name == "" {
		name = req.SenderID
	}
	msg := models.Message{
		SenderID:   req.SenderID,
		SenderName: name,
		CreatedAt:  h.now().UTC(),
		Text:       text,
	}
	if err := h.groups.AppendMessage(c.Request.Context(), g.ID, msg); err != nil {
		h.logger.Error("failed to append message", zap.String("group_id", g.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}
	h.metrics.ObserveHumanMessage()
	c.JSON(http.StatusCreated, msg)
}

type timerResponse struct {
	plan.TimerState
	StartedAt time.Time `json:"startedAt"`
	Waiting   bool      `json:"waiting"`
	Display   string    `json:"display"`
}

// Timer handles GET /v1/groups/:id/timer
//
// The countdown runs from startedAt. Until the group is full it falls back
// to createdAt and reports waiting=true.
func (h *ParticipantHandler) Timer(c *gin.Context) {
	g, ok := h.loadGroup(c)
	if !ok {
		return
	}
	exp, err := h.experiments.GetByID(c.Request.Context(), g.ExperimentID)
	if err != nil {
		h.logger.Error("failed to get experiment", zap.String("experiment_id", g.ExperimentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get timer"})
		return
	}
	if exp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
		return
	}

	start, waiting := g.CreatedAt, true
	if g.StartedAt != nil {
		start, waiting = *g.StartedAt, false
	}
	st := plan.Timer(exp.TimerPlan, start, h.now())
	c.JSON(http.StatusOK, timerResponse{
		TimerState: st,
		StartedAt:  start,
		Waiting:    waiting,
		Display:    plan.FormatClock(st.Remaining),
	})
}

// loadGroup writes the 404/500 itself and reports whether to continue.
func (h *ParticipantHandler) loadGroup(c *gin.Context) (*models.Group, bool) {
	g, err := h.groups.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to get group", zap.String("group_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get group"})
		return nil, false
	}
	if g == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return nil, false
	}
	return g, true
}
