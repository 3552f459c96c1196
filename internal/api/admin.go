package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/groupchat/internal/auth"
	"github.com/lalith-99/groupchat/internal/middleware"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/plan"
	"github.com/lalith-99/groupchat/internal/repository"
	"go.uber.org/zap"
)

// AdminHandler serves login and the experiment settings and overview
// endpoints. Everything except Login sits behind middleware.AdminOnly.
type AdminHandler struct {
	authn       *auth.Authenticator
	experiments repository.ExperimentRepository
	groups      repository.GroupRepository
	now         func() time.Time
	logger      *zap.Logger
}

func NewAdminHandler(
	authn *auth.Authenticator,
	experiments repository.ExperimentRepository,
	groups repository.GroupRepository,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		authn:       authn,
		experiments: experiments,
		groups:      groups,
		now:         time.Now,
		logger:      logger,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login handles POST /v1/admin/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.authn.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		h.logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	h.logger.Info("admin logged in", zap.String("username", req.Username))
	c.JSON(http.StatusOK, loginResponse{Token: token})
}

// GetExperiment handles GET /v1/admin/experiments/:id
func (h *AdminHandler) GetExperiment(c *gin.Context) {
	exp, ok := h.loadExperiment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, exp)
}

// settingsForm is the settings page's shape: durations are "mm:ss".
// UsersInGroup is a pointer so a form without it is rejected instead of
// saving capacity 0.
type settingsForm struct {
	UsersInGroup  *int              `json:"usersInGroup" binding:"required,min=0"`
	TotalDuration string            `json:"totalDuration" binding:"required"`
	Messages      []messageFormItem `json:"messages" binding:"dive"`
	Timers        []timerFormItem   `json:"timers" binding:"dive"`
}

type messageFormItem struct {
	GroupType models.GroupType `json:"groupType" binding:"omitempty,oneof=emojy noEmojy"`
	Message   string           `json:"message" binding:"required"`
	At        string           `json:"at" binding:"required"`
}

type timerFormItem struct {
	Time string `json:"time" binding:"required"`
}

func formFromExperiment(exp *models.Experiment) settingsForm {
	capacity := exp.Settings.UsersInGroup
	form := settingsForm{
		UsersInGroup:  &capacity,
		TotalDuration: plan.FormatClock(exp.Settings.TotalDuration),
		Messages:      make([]messageFormItem, 0, len(exp.MessagePlan)),
		Timers:        make([]timerFormItem, 0, len(exp.TimerPlan)),
	}
	for _, m := range exp.MessagePlan {
		form.Messages = append(form.Messages, messageFormItem{
			GroupType: m.GroupType,
			Message:   m.Message,
			At:        plan.FormatClock(m.TimeInChat),
		})
	}
	for _, t := range exp.TimerPlan {
		form.Timers = append(form.Timers, timerFormItem{Time: plan.FormatClock(t.Time)})
	}
	return form
}

func (f settingsForm) update(now time.Time) (repository.SettingsUpdate, error) {
	total, err := plan.ParseClock(f.TotalDuration)
	if err != nil {
		return repository.SettingsUpdate{}, fmt.Errorf("totalDuration: %w", err)
	}
	upd := repository.SettingsUpdate{
		Settings:    models.Settings{UsersInGroup: *f.UsersInGroup, TotalDuration: total},
		MessagePlan: make([]models.PlanItem, 0, len(f.Messages)),
		TimerPlan:   make([]models.TimerItem, 0, len(f.Timers)),
		UpdatedAt:   now.UTC().Format(time.RFC3339Nano),
	}
	for i, m := range f.Messages {
		at, err := plan.ParseClock(m.At)
		if err != nil {
			return repository.SettingsUpdate{}, fmt.Errorf("messages[%d].at: %w", i, err)
		}
		upd.MessagePlan = append(upd.MessagePlan, models.PlanItem{
			GroupType:  m.GroupType,
			Message:    m.Message,
			TimeInChat: at,
		})
	}
	for i, t := range f.Timers {
		secs, err := plan.ParseClock(t.Time)
		if err != nil {
			return repository.SettingsUpdate{}, fmt.Errorf("timers[%d].time: %w", i, err)
		}
		upd.TimerPlan = append(upd.TimerPlan, models.TimerItem{Time: secs})
	}
	return upd, nil
}

// GetSettings handles GET /v1/admin/experiments/:id/settings
//
// A missing experiment yields the page defaults rather than a 404, so the
// first save creates it.
func (h *AdminHandler) GetSettings(c *gin.Context) {
	exp, err := h.experiments.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to get experiment", zap.String("experiment_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get settings"})
		return
	}
	if exp == nil {
		exp = &models.Experiment{Settings: models.Settings{UsersInGroup: 4, TotalDuration: 600}}
	}
	c.JSON(http.StatusOK, formFromExperiment(exp))
}

// SaveSettings handles PUT /v1/admin/experiments/:id/settings
//
// Flow:
//  1. Parse every mm:ss field.
//  2. Reject the save when the phase timers do not add up to the total.
//  3. Replace settings and both plans, stamping updatedAt. The new
//     updatedAt starts a new plan version, so items are sent again under
//     their new keys.
func (h *AdminHandler) SaveSettings(c *gin.Context) {
	var form settingsForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	upd, err := form.update(h.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := plan.Validate(upd.Settings, upd.TimerPlan); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	exp, err := h.experiments.SaveSettings(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		h.logger.Error("failed to save settings", zap.String("experiment_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings"})
		return
	}
	h.logger.Info("experiment settings saved",
		zap.String("experiment_id", exp.ID),
		zap.String("plan_version", plan.Version(exp)),
		zap.String("by", middleware.GetUsername(c)),
	)
	c.JSON(http.StatusOK, exp)
}

// ListGroups handles GET /v1/admin/experiments/:id/groups
func (h *AdminHandler) ListGroups(c *gin.Context) {
	exp, ok := h.loadExperiment(c)
	if !ok {
		return
	}
	groups, err := h.groups.ListByExperiment(c.Request.Context(), exp.ID)
	if err != nil {
		h.logger.Error("failed to list groups", zap.String("experiment_id", exp.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list groups"})
		return
	}
	views := make([]groupView, 0, len(groups))
	for i := range groups {
		views = append(views, newGroupView(&groups[i]))
	}
	c.JSON(http.StatusOK, views)
}

func (h *AdminHandler) loadExperiment(c *gin.Context) (*models.Experiment, bool) {
	exp, err := h.experiments.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to get experiment", zap.String("experiment_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get experiment"})
		return nil, false
	}
	if exp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
		return nil, false
	}
	return exp, true
}
