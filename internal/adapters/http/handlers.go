package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/dkeye/revoice/internal/app"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/dkeye/revoice/internal/media"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	mgr          *app.Manager
	newPlayer    func() *media.Player
	client       *nethttp.Client
	limiter      *RoomRateLimiter
	autoLeave    time.Duration
	readyTimeout time.Duration
}

type mediaView struct {
	ID       string  `json:"id"`
	Position string  `json:"position"`
	Duration string  `json:"duration,omitempty"`
	Playing  bool    `json:"playing"`
	Paused   bool    `json:"paused"`
	Volume   float64 `json:"volume"`
}

type roomView struct {
	ID      domain.RoomID          `json:"id"`
	Name    string                 `json:"name"`
	State   domain.ConnectionState `json:"state"`
	Members int                    `json:"members"`
	Media   *mediaView             `json:"media,omitempty"`
}

func viewOf(conn *app.Connection) roomView {
	v := roomView{
		ID:      conn.Room().ID,
		Name:    conn.Room().Name,
		State:   conn.State(),
		Members: len(conn.Members()),
	}
	if p, ok := conn.Media().(*media.Player); ok {
		mv := &mediaView{
			ID:       p.ID(),
			Position: p.Timestamp(),
			Playing:  p.Playing(),
			Paused:   p.Paused(),
			Volume:   p.Volume(),
		}
		if d := p.Duration(); d > 0 {
			mv.Duration = media.FormatTimestamp(d)
		}
		v.Media = mv
	}
	return v
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func roomID(c *gin.Context) domain.RoomID { return domain.RoomID(c.Param("id")) }

func (h *handlers) listRooms(c *gin.Context) {
	conns := h.mgr.Connections()
	out := make([]roomView, 0, len(conns))
	for _, conn := range conns {
		out = append(out, viewOf(conn))
	}
	c.JSON(nethttp.StatusOK, out)
}

type joinRequest struct {
	// AutoLeave overrides the configured auto-leave delay in seconds; 0 disables it.
	AutoLeave *int `json:"auto_leave_seconds"`
}

func (h *handlers) joinRoom(c *gin.Context) {
	id := roomID(c)
	if !h.limiter.Allow(id) {
		abort(c, nethttp.StatusTooManyRequests, errors.New("rate limited"))
		return
	}
	var req joinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, nethttp.StatusBadRequest, err)
			return
		}
	}
	autoLeave := h.autoLeave
	if req.AutoLeave != nil {
		autoLeave = time.Duration(*req.AutoLeave) * time.Second
	}

	conn, err := h.mgr.Join(c.Request.Context(), id, app.WithAutoLeave(autoLeave))
	if err != nil {
		abort(c, joinStatus(err), err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(id)).Msg("join requested")
	c.JSON(nethttp.StatusCreated, viewOf(conn))
}

func joinStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyConnected):
		return nethttp.StatusConflict
	case errors.Is(err, domain.ErrNotAVoiceRoom):
		return nethttp.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrFetch):
		return nethttp.StatusBadGateway
	default:
		return nethttp.StatusInternalServerError
	}
}

func (h *handlers) leaveRoom(c *gin.Context) {
	id := roomID(c)
	if _, ok := h.mgr.Connection(id); !ok {
		abort(c, nethttp.StatusNotFound, errors.New("not connected"))
		return
	}
	if err := h.mgr.Leave(c.Request.Context(), id); err != nil {
		log.Warn().Str("module", "adapters.http").Str("room", string(id)).Err(err).Msg("leave")
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) connection(c *gin.Context) (*app.Connection, bool) {
	conn, ok := h.mgr.Connection(roomID(c))
	if !ok {
		abort(c, nethttp.StatusNotFound, errors.New("not connected"))
	}
	return conn, ok
}

func (h *handlers) members(c *gin.Context) {
	conn, ok := h.connection(c)
	if !ok {
		return
	}
	c.JSON(nethttp.StatusOK, conn.Members())
}

// playerFor returns the room's player, attaching a new one when the room
// has none yet.
func (h *handlers) playerFor(ctx context.Context, conn *app.Connection) (*media.Player, error) {
	if p, ok := conn.Media().(*media.Player); ok {
		return p, nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.readyTimeout)
	defer cancel()
	p := h.newPlayer()
	if _, err := conn.Play(ctx, p); err != nil {
		_ = p.Destroy(context.Background())
		return nil, err
	}
	return p, nil
}

func (h *handlers) currentPlayer(c *gin.Context) (*media.Player, bool) {
	conn, ok := h.connection(c)
	if !ok {
		return nil, false
	}
	p, ok := conn.Media().(*media.Player)
	if !ok {
		abort(c, nethttp.StatusNotFound, errors.New("nothing playing"))
	}
	return p, ok
}

type playRequest struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

func (h *handlers) play(c *gin.Context) {
	id := roomID(c)
	var req playRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	if (req.Path == "") == (req.URL == "") {
		abort(c, nethttp.StatusBadRequest, errors.New("exactly one of path or url is required"))
		return
	}
	conn, ok := h.connection(c)
	if !ok {
		return
	}
	if !h.limiter.Allow(id) {
		abort(c, nethttp.StatusTooManyRequests, errors.New("rate limited"))
		return
	}
	p, err := h.playerFor(c.Request.Context(), conn)
	if err != nil {
		abort(c, nethttp.StatusConflict, err)
		return
	}

	if req.Path != "" {
		err = p.PlayFile(c.Request.Context(), req.Path)
	} else {
		err = h.playURL(c.Request.Context(), p, req.URL)
	}
	if err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	c.JSON(nethttp.StatusAccepted, viewOf(conn))
}

func (h *handlers) playURL(ctx context.Context, p *media.Player, url string) error {
	// the stream outlives the request
	req, err := nethttp.NewRequestWithContext(context.Background(), nethttp.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != nethttp.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	if err := p.PlayStream(ctx, resp.Body); err != nil {
		resp.Body.Close()
		return err
	}
	return nil
}

func (h *handlers) pause(c *gin.Context) {
	p, ok := h.currentPlayer(c)
	if !ok {
		return
	}
	p.Pause()
	c.JSON(nethttp.StatusOK, gin.H{"paused": true, "position": p.Timestamp()})
}

func (h *handlers) resume(c *gin.Context) {
	p, ok := h.currentPlayer(c)
	if !ok {
		return
	}
	p.Resume()
	c.JSON(nethttp.StatusOK, gin.H{"paused": false, "position": p.Timestamp()})
}

func (h *handlers) stop(c *gin.Context) {
	p, ok := h.currentPlayer(c)
	if !ok {
		return
	}
	if err := p.Stop(c.Request.Context()); err != nil {
		abort(c, nethttp.StatusInternalServerError, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

type seekRequest struct {
	// Position is hh:mm:ss[.frac]; Seconds is used when it is empty.
	Position string   `json:"position"`
	Seconds  *float64 `json:"seconds"`
}

func (h *handlers) seek(c *gin.Context) {
	var req seekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	var pos time.Duration
	switch {
	case req.Position != "":
		d, err := media.ParseTimestamp(req.Position)
		if err != nil {
			abort(c, nethttp.StatusBadRequest, err)
			return
		}
		pos = d
	case req.Seconds != nil && *req.Seconds >= 0:
		pos = time.Duration(*req.Seconds * float64(time.Second))
	default:
		abort(c, nethttp.StatusBadRequest, errors.New("position or seconds is required"))
		return
	}

	p, ok := h.currentPlayer(c)
	if !ok {
		return
	}
	if err := p.Seek(c.Request.Context(), pos); err != nil {
		abort(c, respawnStatus(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"position": media.FormatTimestamp(pos)})
}

// restart respawns the transcoder from where playback currently is.
func (h *handlers) restart(c *gin.Context) {
	p, ok := h.currentPlayer(c)
	if !ok {
		return
	}
	if err := p.Restart(c.Request.Context()); err != nil {
		abort(c, respawnStatus(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"position": p.Timestamp()})
}

func respawnStatus(err error) int {
	switch {
	case errors.Is(err, media.ErrNoStream),
		errors.Is(err, media.ErrDestroyed),
		errors.Is(err, media.ErrSourceTruncated):
		return nethttp.StatusConflict
	default:
		return nethttp.StatusInternalServerError
	}
}

type volumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

func (h *handlers) volume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	conn, ok := h.connection(c)
	if !ok {
		return
	}
	p, err := h.playerFor(c.Request.Context(), conn)
	if err != nil {
		abort(c, nethttp.StatusConflict, err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"volume": p.SetVolume(*req.Volume)})
}

type userView struct {
	domain.Member
	Room domain.RoomID `json:"room,omitempty"`
}

func (h *handlers) user(c *gin.Context) {
	m, conn, ok := h.mgr.User(domain.UserID(c.Param("id")))
	if !ok {
		abort(c, nethttp.StatusNotFound, errors.New("unknown user"))
		return
	}
	v := userView{Member: m}
	if conn != nil {
		v.Room = conn.Room().ID
	}
	c.JSON(nethttp.StatusOK, v)
}
