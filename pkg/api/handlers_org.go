package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/runtime"
)

// injectMessageRequest is the body of POST /api/v1/messages. The sender is
// always the user principal; agents talk to each other over the bus, not
// through this API.
type injectMessageRequest struct {
	To           string              `json:"to"`
	Content      string              `json:"content"`
	TaskID       string              `json:"taskId"`
	DelayMs      int64               `json:"delayMs"`
	QuickReplies []string            `json:"quickReplies"`
	Attachments  []models.Attachment `json:"attachments"`
}

func (s *Server) handleInjectMessage(c *gin.Context) {
	var req injectMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if req.To == "" || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "both to and content are required"})
		return
	}

	msg := &models.Message{
		From:         models.AgentUser,
		To:           req.To,
		Content:      req.Content,
		TaskID:       req.TaskID,
		QuickReplies: req.QuickReplies,
		Attachments:  req.Attachments,
	}
	if req.DelayMs > 0 {
		at := time.Now().Add(time.Duration(req.DelayMs) * time.Millisecond)
		msg.DeliverAt = &at
	}

	if err := s.msgBus.Send(msg); err != nil {
		if rej, ok := bus.AsRejection(err); ok {
			c.JSON(http.StatusConflict, gin.H{"error": rej.Reason, "recipient": rej.Recipient})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, MessageAccepted{
		MessageID: msg.ID,
		To:        msg.To,
		DeliverAt: msg.DeliverAt,
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	includeTerminated := c.Query("includeTerminated") == "true"
	agents := s.org.ListAgents(includeTerminated)

	views := make([]AgentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, s.agentView(agent))
	}
	c.JSON(http.StatusOK, gin.H{"agents": views, "count": len(views)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id := c.Param("id")
	agent, ok := s.org.GetAgent(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "agentId": id})
		return
	}
	c.JSON(http.StatusOK, AgentDetail{
		AgentView: s.agentView(agent),
		Contacts:  s.org.Contacts().List(id),
		Usage:     s.conv.Usage(id),
	})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.org.GetAgent(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "agentId": id})
		return
	}
	c.JSON(http.StatusOK, ConversationResponse{
		AgentID: id,
		Turns:   s.conv.History(id),
		Context: s.conv.Status(id),
	})
}

func (s *Server) handleAbortAgent(c *gin.Context) {
	id := c.Param("id")
	cascade := c.Query("cascade") == "true"

	status, err := s.lifecycle.Abort(id, cascade)
	switch {
	case errors.Is(err, runtime.ErrUnknownAgent):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "agentId": id})
		return
	case errors.Is(err, runtime.ErrNotAbortable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "agentId": id})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, AbortResponse{AgentID: id, Status: string(status), Cascade: cascade})
}

func (s *Server) handleListRoles(c *gin.Context) {
	roles := s.org.ListRoles()
	views := make([]RoleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, RoleView{
			ID:           role.ID,
			Name:         role.Name,
			Prompt:       role.Prompt,
			ToolGroups:   role.ToolGroups,
			LLMServiceID: role.LLMServiceID,
			CreatedBy:    role.CreatedBy,
			CreatedAt:    role.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"roles": views, "count": len(views)})
}

// agentView joins org record, role name, live status, and queue depth.
func (s *Server) agentView(agent *models.Agent) AgentView {
	view := AgentView{
		ID:               agent.ID,
		ParentID:         agent.ParentID,
		TaskBrief:        agent.TaskBrief,
		QueueDepth:       s.msgBus.QueueDepth(agent.ID),
		CreatedAt:        agent.CreatedAt,
		TerminatedAt:     agent.TerminatedAt,
		TerminatedBy:     agent.TerminatedBy,
		TerminatedReason: agent.TerminatedReason,
	}
	if role, err := s.org.RoleOf(agent.ID); err == nil && role != nil {
		view.RoleName = role.Name
	}
	if status, known := s.lifecycle.ComputeStatus(agent.ID); known {
		view.Status = string(status)
	} else {
		view.Status = "terminated"
	}
	return view
}
