package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shantyman/internal/coordinator"
	"shantyman/internal/push"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

const (
	// Time allowed to read the next message from the peer. Client
	// traffic is optional on a push channel, so this is generous.
	readWait = 10 * time.Minute

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handlers contains the HTTP handlers for the service
type Handlers struct {
	coordinator *coordinator.Coordinator
	logger      logging.Logger
	startTime   time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(coord *coordinator.Coordinator, logger logging.Logger) *Handlers {
	return &Handlers{
		coordinator: coord,
		logger:      logger,
		startTime:   time.Now(),
	}
}

// HandleConnect upgrades the request to a WebSocket push connection for
// one repository topic. The client identifies the repository with the
// `repo` query parameter; `client_id` is optional and generated when
// absent.
func (h *Handlers) HandleConnect(c *gin.Context) {
	repo := c.Query("repo")
	if repo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repo query parameter is required"})
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	transport := push.NewWebSocketTransport(conn)
	if err := h.coordinator.Connect(clientID, repo, transport); err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"client_id": clientID,
			"repo":      repo,
		}).Warn("Client connect rejected")
		_ = conn.Close()
		return
	}

	go h.readLoop(conn, clientID, transport)
}

// readLoop drains inbound traffic: every message counts as client
// activity, and a read error means the client is gone. The loop holds
// its own transport so that a loop left over from a replaced connection
// cannot tear the client's fresh one down.
func (h *Handlers) readLoop(conn *websocket.Conn, clientID string, transport push.Transport) {
	defer h.coordinator.ClientGone(clientID, transport)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		h.coordinator.Touch(clientID)
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).WithField("client_id", clientID).Debug("WebSocket read error")
			}
			return
		}
		h.coordinator.Touch(clientID)
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
	}
}

// HandleSnapshot serves the read-only health surface for monitoring.
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Snapshot())
}

// HandleStats serves the aggregate fanout metrics.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.GetHealthMetrics())
}

// HandleRepoStats serves per-repository transfer metrics.
func (h *Handlers) HandleRepoStats(c *gin.Context) {
	repo := c.Param("owner") + "/" + c.Param("name")
	stats, ok := h.coordinator.Fanout().GetRepositoryMetrics(repo)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no listeners for repository", "repository": repo})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// testArtifactRequest is the admin trigger payload.
type testArtifactRequest struct {
	Repository string  `json:"repository" binding:"required"`
	Tempo      float64 `json:"tempo"`
	Scale      string  `json:"scale"`
	RootNote   string  `json:"rootNote"`
	Instrument string  `json:"instrumentType"`
	Duration   float64 `json:"duration"`
}

// HandleTestArtifact pushes a synthetic artifact through the normal
// broadcast path.
func (h *Handlers) HandleTestArtifact(c *gin.Context) {
	var req testArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := protocol.MusicalParameters{
		Tempo:          req.Tempo,
		Scale:          req.Scale,
		RootNote:       req.RootNote,
		InstrumentType: req.Instrument,
		Duration:       req.Duration,
	}
	delivered := h.coordinator.GenerateTestArtifact(req.Repository, params)

	c.JSON(http.StatusOK, gin.H{
		"repository": req.Repository,
		"delivered":  delivered,
	})
}

// HandleNotFound provides a custom 404 handler
func (h *Handlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"service": "shantyman",
		"message": "Endpoint not found",
	})
}
