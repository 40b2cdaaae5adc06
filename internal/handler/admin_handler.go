package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Health reports whether the inference server answers.
func (a *API) Health(c *gin.Context) {
	if err := a.bot.Healthy(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Model returns the loaded model's properties.
func (a *API) Model(c *gin.Context) {
	props, err := a.bot.Props(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":    props.ModelName(),
		"n_ctx":    props.DefaultGenerationSettings.NCtx,
		"template": a.bot.Formatter().Name(),
	})
}

// Users lists all known user IDs.
func (a *API) Users(c *gin.Context) {
	ids, err := a.bot.Store().ListUserIDs()
	if err != nil {
		a.log.Error("user listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": ids})
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

// UserHistory returns a user's conversation in position order.
func (a *API) UserHistory(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	messages, err := a.bot.Store().GetUserMessages(userID)
	if err != nil {
		a.log.Error("history query failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": messages})
}

// ClearUserHistory wipes a user's conversation.
func (a *API) ClearUserHistory(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	if err := a.bot.ResetConversation(userID); err != nil {
		a.log.Error("history clearing failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not clear history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": userID})
}

type systemPromptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// SystemPrompt swaps the global default system prompt and reports how
// many users were migrated off the old default.
func (a *API) SystemPrompt(c *gin.Context) {
	var req systemPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	migrated, err := a.bot.SetGlobalSystemPrompt(req.Prompt)
	if err != nil {
		a.log.Error("default prompt update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update default system prompt"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrated_users": migrated})
}
