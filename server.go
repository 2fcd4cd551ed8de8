package goslide

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/valyala/fasthttp"
)

// DefaultThumbnailSize is used when a thumbnail request has no max parameter.
const DefaultThumbnailSize = 256

// DefaultMaxOutputPixels caps one response image at 64 MiB of RGBA.
const DefaultMaxOutputPixels = 4096 * 4096

// Server exposes a fixed set of open slides over HTTP:
//
//	GET /slides                                  slide names
//	GET /slides/{name}                           levels, properties, associated images
//	GET /slides/{name}/region?x&y&w&h&downsample scaled region as PNG
//	GET /slides/{name}/level-region?x&y&level&w&h
//	GET /slides/{name}/associated/{image}
//	GET /slides/{name}/thumbnail?max=N
//
// The Server does not own the slides; closing them is up to the caller.
// Requests whose decoded or encoded image would exceed the configured pixel
// limit fail with 400 before anything is read.
type Server struct {
	slides    map[string]*Slide
	names     []string
	logger    log.Logger
	maxPixels int64
	encoder   png.Encoder
	srv       *fasthttp.Server
}

// ServerOption configures NewServer.
type ServerOption func(*Server)

// WithMaxOutputPixels limits the pixels one request may decode or return.
// Values <= 0 keep DefaultMaxOutputPixels.
func WithMaxOutputPixels(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxPixels = n
		}
	}
}

// NewServer serves slides under their map keys.
func NewServer(slides map[string]*Slide, logger log.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	names := make([]string, 0, len(slides))
	for name := range slides {
		names = append(names, name)
	}
	slices.Sort(names)

	s := &Server{
		slides:    slides,
		names:     names,
		logger:    logger,
		maxPixels: DefaultMaxOutputPixels,
		encoder:   png.Encoder{CompressionLevel: png.BestSpeed},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &fasthttp.Server{
		Handler: s.Handler,
		Name:    "goslide",
	}
	return s
}

// ListenAndServe serves HTTP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	level.Info(s.logger).Log("msg", "serving slides", "addr", addr, "slides", len(s.names))
	return s.srv.ListenAndServe(addr)
}

// Serve serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// SlideInfo is the JSON body of GET /slides/{name}.
type SlideInfo struct {
	Name       string            `json:"name"`
	Key        string            `json:"key"`
	Levels     []LevelInfo       `json:"levels"`
	Bounds     [4]float64        `json:"bounds"`
	Properties map[string]string `json:"properties"`
	Associated []string          `json:"associated"`
}

// LevelInfo describes one level in SlideInfo.
type LevelInfo struct {
	Width      int64   `json:"width"`
	Height     int64   `json:"height"`
	Downsample float64 `json:"downsample"`
}

// Handler is the fasthttp request handler.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(string(ctx.Path()), "/"), "/")
	if parts[0] != "slides" {
		ctx.Error("not found", fasthttp.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		s.writeJSON(ctx, s.names)
		return
	}

	slide, ok := s.slides[parts[1]]
	if !ok {
		s.fail(ctx, fmt.Errorf("slide %q: %w", parts[1], ErrNotFound))
		return
	}

	var err error
	switch {
	case len(parts) == 2:
		err = s.info(ctx, parts[1], slide)
	case len(parts) == 3 && parts[2] == "region":
		err = s.region(ctx, slide)
	case len(parts) == 3 && parts[2] == "level-region":
		err = s.levelRegion(ctx, slide)
	case len(parts) == 3 && parts[2] == "thumbnail":
		err = s.thumbnail(ctx, slide)
	case len(parts) == 4 && parts[2] == "associated":
		err = s.associated(ctx, slide, parts[3])
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(ctx, err)
	}
}

func (s *Server) info(ctx *fasthttp.RequestCtx, name string, slide *Slide) error {
	levels, err := slide.Levels()
	if err != nil {
		return err
	}
	props, err := slide.Properties()
	if err != nil {
		return err
	}
	assoc, err := slide.AssociatedImageNames()
	if err != nil {
		return err
	}
	bounds, err := slide.Bounds()
	if err != nil {
		return err
	}

	info := SlideInfo{
		Name:       name,
		Key:        slide.Key(),
		Bounds:     [4]float64{bounds.Min[0], bounds.Min[1], bounds.Max[0], bounds.Max[1]},
		Properties: props,
		Associated: assoc,
	}
	for _, l := range levels {
		info.Levels = append(info.Levels, LevelInfo(l))
	}
	s.writeJSON(ctx, info)
	return nil
}

func (s *Server) region(ctx *fasthttp.RequestCtx, slide *Slide) error {
	args := ctx.QueryArgs()
	x, err := int64Arg(args, "x")
	if err != nil {
		return err
	}
	y, err := int64Arg(args, "y")
	if err != nil {
		return err
	}
	w, err := int32Arg(args, "w")
	if err != nil {
		return err
	}
	h, err := int32Arg(args, "h")
	if err != nil {
		return err
	}
	ds := 1.0
	if args.Has("downsample") {
		if ds, err = floatArg(args, "downsample"); err != nil {
			return err
		}
	}

	if err := s.checkScaledSize(slide, w, h, ds); err != nil {
		return err
	}

	r, err := slide.ReadScaledRegion(x, y, w, h, ds)
	if err != nil {
		return err
	}
	if r.Empty() {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return nil
	}
	return s.writePNG(ctx, r.Image())
}

func (s *Server) levelRegion(ctx *fasthttp.RequestCtx, slide *Slide) error {
	args := ctx.QueryArgs()
	x, err := int64Arg(args, "x")
	if err != nil {
		return err
	}
	y, err := int64Arg(args, "y")
	if err != nil {
		return err
	}
	lvl, err := int64Arg(args, "level")
	if err != nil {
		return err
	}
	w, err := int64Arg(args, "w")
	if err != nil {
		return err
	}
	h, err := int64Arg(args, "h")
	if err != nil {
		return err
	}
	if lvl < 0 || lvl > math.MaxInt32 {
		return illegalArgument("level %d out of range", lvl)
	}

	if err := s.checkPixels(float64(w) * float64(h)); err != nil {
		return err
	}

	buf, err := slide.ReadRegion(x, y, int(lvl), w, h)
	if err != nil {
		return err
	}
	return s.writePNG(ctx, buf.RGBA())
}

func (s *Server) thumbnail(ctx *fasthttp.RequestCtx, slide *Slide) error {
	size := DefaultThumbnailSize
	if args := ctx.QueryArgs(); args.Has("max") {
		v, err := int32Arg(args, "max")
		if err != nil {
			return err
		}
		size = int(v)
	}
	if size > 0 {
		if err := s.checkPixels(float64(size) * float64(size)); err != nil {
			return err
		}
	}
	img, err := slide.Thumbnail(size)
	if err != nil {
		return err
	}
	return s.writePNG(ctx, img)
}

func (s *Server) associated(ctx *fasthttp.RequestCtx, slide *Slide, name string) error {
	buf, ok, err := slide.AssociatedImage(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("associated image %q unavailable: %w", name, ErrNotFound)
	}
	return s.writePNG(ctx, buf.RGBA())
}

// checkScaledSize bounds both the w x h output and the level-space read
// behind it, which grows with the square of the relative downsample.
func (s *Server) checkScaledSize(slide *Slide, w, h int32, downsample float64) error {
	if w < 0 || h < 0 || !(downsample >= 1) {
		// left to ReadScaledRegion
		return nil
	}
	if err := s.checkPixels(float64(w) * float64(h)); err != nil {
		return err
	}
	lvl, err := slide.BestLevelForDownsample(downsample)
	if err != nil {
		return err
	}
	l, err := slide.Level(lvl)
	if err != nil {
		return err
	}
	relative := downsample / l.Downsample
	return s.checkPixels(float64(w) * relative * float64(h) * relative)
}

func (s *Server) checkPixels(n float64) error {
	if n > float64(s.maxPixels) {
		return illegalArgument("request of %.0f pixels exceeds the limit of %d", n, s.maxPixels)
	}
	return nil
}

func (s *Server) writePNG(ctx *fasthttp.RequestCtx, img image.Image) error {
	ctx.SetContentType("image/png")
	if err := s.encoder.Encode(ctx, img); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		s.fail(ctx, fmt.Errorf("failed to encode json: %w", err))
	}
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, err error) {
	status := statusFor(err)
	if status >= fasthttp.StatusInternalServerError {
		level.Error(s.logger).Log("msg", "request failed", "path", string(ctx.Path()), "err", err)
	} else {
		level.Debug(s.logger).Log("msg", "request rejected", "path", string(ctx.Path()), "status", status, "err", err)
	}
	ctx.Error(err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrIllegalArgument):
		return fasthttp.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, ErrDisposed):
		return fasthttp.StatusGone
	case errors.Is(err, ErrNative):
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

func int64Arg(args *fasthttp.Args, key string) (int64, error) {
	v := args.Peek(key)
	if len(v) == 0 {
		return 0, illegalArgument("missing parameter %s", key)
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, illegalArgument("invalid %s %q", key, v)
	}
	return n, nil
}

func int32Arg(args *fasthttp.Args, key string) (int32, error) {
	n, err := int64Arg(args, key)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, illegalArgument("%s %d out of range", key, n)
	}
	return int32(n), nil
}

func floatArg(args *fasthttp.Args, key string) (float64, error) {
	v := args.Peek(key)
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, illegalArgument("invalid %s %q", key, v)
	}
	return f, nil
}
