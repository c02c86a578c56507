// Package api provides the REST API server for pedalconf
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/james-see/pedalconf/pkg/audition"
	"github.com/james-see/pedalconf/pkg/preset"
	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/session"
	"github.com/james-see/pedalconf/pkg/store"
)

// @title Pedalconf API
// @version 1.0
// @description API for reading and configuring a BLE MIDI pedalboard
// @host localhost:8080
// @BasePath /api/v1

const requestIDHeader = "X-Request-ID"

// Server serves one pedalboard controller over HTTP
type Server struct {
	ctrl *session.Controller
	log  zerolog.Logger
	// SaveTimeout bounds a single write; preset imports get one per button
	SaveTimeout time.Duration
}

// NewServer creates a server for ctrl
func NewServer(ctrl *session.Controller, log zerolog.Logger) *Server {
	return &Server{
		ctrl:        ctrl,
		log:         log.With().Str("component", "api").Logger(),
		SaveTimeout: 10 * time.Second,
	}
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.Use(requestID())
	r.Use(corsMiddleware())

	r.GET("/health", healthCheck)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", healthCheck)
		v1.GET("/status", s.getStatus)
		v1.GET("/state", s.getState)
		v1.GET("/buttons/:index", s.getButton)
		v1.PUT("/buttons/:index", s.putButton)
		v1.POST("/bank/:index", s.postBank)
		v1.POST("/refresh", s.postRefresh)
		v1.GET("/events", s.getEvents)
		v1.GET("/preset", s.getPreset)
		v1.POST("/preset", s.postPreset)
		v1.GET("/audition", s.getAudition)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

// StartServer starts the API server on the specified port
func StartServer(port int, ctrl *session.Controller, log zerolog.Logger) error {
	return NewServer(ctrl, log).Router().Run(fmt.Sprintf(":%d", port))
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// healthCheck godoc
// @Summary Health check endpoint
// @Description Returns the health status of the API
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "pedalconf",
	})
}

// buttonResponse is one button as shown on the pedal row
type buttonResponse struct {
	Button int `json:"button"`
	protocol.ButtonConfig
	Label string `json:"label"`
	Midi  string `json:"midi"`
}

func newButtonResponse(uiIndex int, cfg protocol.ButtonConfig) buttonResponse {
	return buttonResponse{
		Button:       uiIndex + 1,
		ButtonConfig: cfg,
		Label:        cfg.Label(),
		Midi:         cfg.Describe(),
	}
}

// stateResponse is the whole board
type stateResponse struct {
	Status  session.Status   `json:"status"`
	Bank    int              `json:"bank"`
	Buttons []buttonResponse `json:"buttons"`
}

func (s *Server) stateResponse() stateResponse {
	state := s.ctrl.Store().Snapshot()
	resp := stateResponse{
		Status:  s.ctrl.Status(),
		Bank:    state.Bank + 1,
		Buttons: make([]buttonResponse, 0, protocol.NumButtons),
	}
	for i, b := range state.Buttons {
		resp.Buttons = append(resp.Buttons, newButtonResponse(i, b))
	}
	return resp
}

// buttonRequest is a partial button update. Omitted fields keep their
// current value.
type buttonRequest struct {
	Type     *string `json:"type" example:"momentary"`
	MidiType *string `json:"midiType" example:"NOTE"`
	Value    *int    `json:"value" example:"60"`
	Channel  *int    `json:"channel" example:"1"`
	Velocity *int    `json:"velocity,omitempty" example:"127"`
}

func (r buttonRequest) edit() (store.Edit, error) {
	edit := store.Edit{Value: r.Value, Channel: r.Channel, Velocity: r.Velocity}
	if r.Type != nil {
		t, err := protocol.ParseButtonType(*r.Type)
		if err != nil {
			return edit, err
		}
		edit.Type = &t
	}
	if r.MidiType != nil {
		m, err := protocol.ParseMidiType(*r.MidiType)
		if err != nil {
			return edit, err
		}
		edit.MidiType = &m
	}
	return edit, nil
}

// getStatus godoc
// @Summary Connection status
// @Description Returns the protocol version, sync mode and whether a write is outstanding
// @Tags board
// @Produce json
// @Success 200 {object} session.Status
// @Router /api/v1/status [get]
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

// getState godoc
// @Summary Current board state
// @Description Returns the cached bank and button assignments
// @Tags board
// @Produce json
// @Success 200 {object} stateResponse
// @Router /api/v1/state [get]
func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.stateResponse())
}

// getButton godoc
// @Summary Get one button
// @Tags board
// @Produce json
// @Param index path int true "Button number (1-4)"
// @Success 200 {object} buttonResponse
// @Failure 400 {object} map[string]string
// @Router /api/v1/buttons/{index} [get]
func (s *Server) getButton(c *gin.Context) {
	ui, ok := s.parseIndex(c, protocol.NumButtons)
	if !ok {
		return
	}
	cfg, err := s.ctrl.Store().Get(ui)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newButtonResponse(ui, cfg))
}

// putButton godoc
// @Summary Save one button
// @Description Merges the request into the button and writes it to the pedalboard. The response carries the optimistic value; it is reconciled with the firmware shortly after.
// @Tags board
// @Accept json
// @Produce json
// @Param index path int true "Button number (1-4)"
// @Param button body buttonRequest true "Fields to change"
// @Success 202 {object} buttonResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/v1/buttons/{index} [put]
func (s *Server) putButton(c *gin.Context) {
	ui, ok := s.parseIndex(c, protocol.NumButtons)
	if !ok {
		return
	}

	var req buttonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	edit, err := req.edit()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if edit.IsEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to change"})
		return
	}

	preview, err := s.ctrl.Store().Merge(ui, edit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := preview.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.SaveTimeout)
	defer cancel()
	if err := s.ctrl.Save(ctx, ui, edit); err != nil {
		s.fail(c, err)
		return
	}

	cfg, _ := s.ctrl.Store().Get(ui)
	c.JSON(http.StatusAccepted, newButtonResponse(ui, cfg))
}

// postBank godoc
// @Summary Switch bank
// @Tags board
// @Produce json
// @Param index path int true "Bank number (1-4)"
// @Success 202 {object} session.Status
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/v1/bank/{index} [post]
func (s *Server) postBank(c *gin.Context) {
	bank, ok := s.parseIndex(c, protocol.NumBanks)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.SaveTimeout)
	defer cancel()
	if err := s.ctrl.SwitchBank(ctx, bank); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.ctrl.Status())
}

// postRefresh godoc
// @Summary Re-read the board
// @Description Reads the configuration again. Also settles a write whose confirmation never arrived.
// @Tags board
// @Produce json
// @Success 200 {object} stateResponse
// @Failure 502 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/v1/refresh [post]
func (s *Server) postRefresh(c *gin.Context) {
	if err := s.ctrl.Refresh(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.stateResponse())
}

// eventPayload is the data of one server-sent event
type eventPayload struct {
	Op      string                  `json:"op,omitempty"`
	Bank    int                     `json:"bank"`
	Buttons []protocol.ButtonConfig `json:"buttons,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Time    time.Time               `json:"time"`
}

// getEvents godoc
// @Summary Stream controller events
// @Description Server-sent events: connected, state, write, error, disconnected
// @Tags board
// @Produce text/event-stream
// @Success 200 {object} eventPayload
// @Router /api/v1/events [get]
func (s *Server) getEvents(c *gin.Context) {
	events, stop := s.ctrl.Watch(64)
	defer stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			payload := eventPayload{Op: ev.Op, Bank: ev.State.Bank + 1, Time: ev.Time}
			if ev.Kind == session.EventStateReplaced || ev.Kind == session.EventConnected {
				payload.Buttons = ev.State.Buttons[:]
			}
			if ev.Err != nil {
				payload.Error = ev.Err.Error()
			}
			c.SSEvent(ev.Kind.String(), payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// getPreset godoc
// @Summary Export the current bank
// @Tags preset
// @Produce application/x-yaml
// @Param name query string false "Preset name"
// @Success 200 {file} binary
// @Router /api/v1/preset [get]
func (s *Server) getPreset(c *gin.Context) {
	var version protocol.Version
	if codec := s.ctrl.Codec(); codec != nil {
		version = codec.Version()
	}
	p := preset.FromState(c.Query("name"), version, s.ctrl.Store().Snapshot())

	var buf bytes.Buffer
	if err := preset.Encode(&buf, p); err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=bank%d.yaml", p.Bank))
	c.Data(http.StatusOK, "application/x-yaml", buf.Bytes())
}

// postPreset godoc
// @Summary Import a preset
// @Description Switches to the preset's bank and saves each listed button, one write at a time
// @Tags preset
// @Accept application/x-yaml
// @Produce json
// @Success 200 {object} stateResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /api/v1/preset [post]
func (s *Server) postPreset(c *gin.Context) {
	p, err := preset.Decode(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := s.SaveTimeout * time.Duration(len(p.Buttons)+1)
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	if err := preset.Apply(ctx, s.ctrl, p, nil); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.stateResponse())
}

// getAudition godoc
// @Summary Render the current bank to MIDI
// @Description Returns a MIDI file pressing each enabled button in turn
// @Tags preset
// @Produce audio/midi
// @Param tempo query number false "Tempo in BPM (default: 120)"
// @Success 200 {file} binary
// @Failure 400 {object} map[string]string
// @Router /api/v1/audition [get]
func (s *Server) getAudition(c *gin.Context) {
	opts := audition.DefaultOptions()
	if raw := c.Query("tempo"); raw != "" {
		tempo, err := strconv.ParseFloat(raw, 64)
		if err != nil || tempo <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tempo"})
			return
		}
		opts.Tempo = tempo
	}

	state := s.ctrl.Store().Snapshot()
	data, err := audition.Render(state, opts)
	if err != nil {
		if errors.Is(err, audition.ErrNothingToPlay) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=bank%d.mid", state.Bank+1))
	c.Data(http.StatusOK, "audio/midi", data)
}

// parseIndex reads the 1-based :index parameter and returns it 0-based
func (s *Server) parseIndex(c *gin.Context, count int) (int, bool) {
	n, err := strconv.Atoi(c.Param("index"))
	if err != nil || n < 1 || n > count {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("index must be 1-%d", count)})
		return 0, false
	}
	return n - 1, true
}

// fail maps a controller error to a status code and logs it
func (s *Server) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	s.log.Error().Err(err).Str("request_id", c.GetString("request_id")).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrInvalidLength), session.IsTransportFailure(err):
		return http.StatusBadGateway
	case errors.Is(err, protocol.ErrInvalidIndex), errors.Is(err, session.ErrInvalidBank), errors.Is(err, preset.ErrInvalidPreset):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
