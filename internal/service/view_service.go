package service

import (
	"errors"
	"fmt"
	"image/color"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soma-tiles/spatialview/internal/anndata"
	"github.com/soma-tiles/spatialview/internal/cache"
	"github.com/soma-tiles/spatialview/internal/model"
	"github.com/soma-tiles/spatialview/internal/render"
	"github.com/soma-tiles/spatialview/pkg/colormap"
)

// ErrSessionNotFound is returned for unknown or evicted session ids.
var ErrSessionNotFound = errors.New("session not found")

// ViewServiceConfig contains view service configuration.
type ViewServiceConfig struct {
	Dataset     *Dataset
	Cache       *cache.Manager
	Renderer    *render.OverlayRenderer
	View        model.Config
	MaxSessions int
}

// ViewService serves per-client view sessions over one dataset.
type ViewService struct {
	dataset  *Dataset
	cache    *cache.Manager
	renderer *render.OverlayRenderer
	view     model.Config

	sessions *lru.Cache[string, *Session]
}

// Session is one client's view state. Access goes through the owning
// ViewService, which holds mu around every model call.
type Session struct {
	ID string

	mu          sync.Mutex
	model       *model.ViewModel
	scope       string
	disconnects []func()
}

// SessionInfo is a snapshot of a session.
type SessionInfo struct {
	ID         string         `json:"session_id"`
	Dataset    string         `json:"dataset"`
	Layer      string         `json:"layer"`
	TableLayer string         `json:"table_layer"`
	Settings   model.Settings `json:"settings"`
}

// VectorResult is a resolved vector and its display label.
type VectorResult struct {
	Values anndata.Vector
	Label  string
}

// Source selects the vector an overlay is coloured by.
type Source struct {
	Kind  string // "obs", "var" or "obsm"
	Key   string
	Index string
}

// namedLayer is the viewer layer bound to sessions; only its name is known
// server side.
type namedLayer string

func (l namedLayer) String() string { return string(l) }

// NewViewService creates a new view service.
func NewViewService(cfg ViewServiceConfig) (*ViewService, error) {
	if cfg.Dataset == nil {
		return nil, fmt.Errorf("view service: dataset is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewOverlayRenderer(render.Config{})
	}
	if cfg.Dataset.SpatialKey != "" {
		cfg.View.SpatialKey = cfg.Dataset.SpatialKey
	}
	if cfg.Dataset.LibraryID != "" {
		cfg.View.LibraryID = cfg.Dataset.LibraryID
	}

	s := &ViewService{
		dataset:  cfg.Dataset,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		view:     cfg.View,
	}
	sessions, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	s.sessions = sessions
	return s, nil
}

// Dataset returns the served dataset.
func (s *ViewService) Dataset() *Dataset { return s.dataset }

// SessionCount returns the number of live sessions.
func (s *ViewService) SessionCount() int { return s.sessions.Len() }

// CreateSession binds a fresh model to the dataset's table and default layer.
func (s *ViewService) CreateSession() (SessionInfo, error) {
	id := uuid.NewString()
	m := model.New(s.view)
	sess := &Session{
		ID:    id,
		model: m,
		scope: s.dataset.ID + "/" + id,
	}

	sess.disconnects = append(sess.disconnects,
		m.Events().Table.Connect(func(model.Event) {
			s.purge(sess)
		}),
		m.Events().Layer.Connect(func(ev model.Event) {
			log.Printf("[ViewService] session %s layer set to %s", id, layerName(ev.Source.Layer()))
		}),
	)

	m.SetTableLayer(s.dataset.TableLayer)
	m.SetTable(s.dataset.Table)
	m.SetLayer(namedLayer(s.dataset.Layer))

	s.sessions.Add(id, sess)
	return sessionInfo(s.dataset.ID, sess), nil
}

// Session returns a snapshot of the session.
func (s *ViewService) Session(id string) (SessionInfo, error) {
	var info SessionInfo
	err := s.withSession(id, func(sess *Session) error {
		info = sessionInfo(s.dataset.ID, sess)
		return nil
	})
	return info, err
}

// DeleteSession drops a session and its cached vectors.
func (s *ViewService) DeleteSession(id string) error {
	if !s.sessions.Remove(id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Close drops every session.
func (s *ViewService) Close() {
	s.sessions.Purge()
}

// SetLayer binds a viewer layer by name, notifying layer listeners.
func (s *ViewService) SetLayer(id, name string) (SessionInfo, error) {
	var info SessionInfo
	err := s.withSession(id, func(sess *Session) error {
		if strings.TrimSpace(name) == "" {
			sess.model.SetLayer(nil)
		} else {
			sess.model.SetLayer(namedLayer(name))
		}
		info = sessionInfo(s.dataset.ID, sess)
		return nil
	})
	return info, err
}

// SetTableLayer selects the matrix genes are read from. "" selects X.
func (s *ViewService) SetTableLayer(id, name string) (SessionInfo, error) {
	var info SessionInfo
	err := s.withSession(id, func(sess *Session) error {
		if name != "" {
			if _, ok := s.dataset.Table.Layers.Get(name); !ok {
				return &model.KeyError{Key: name, Section: "adata.layers"}
			}
		}
		sess.model.SetTableLayer(name)
		info = sessionInfo(s.dataset.ID, sess)
		return nil
	})
	return info, err
}

// SettingsPatch carries the display fields to change; nil fields are kept.
type SettingsPatch struct {
	LibraryID    *string  `json:"library_id"`
	SpatialKey   *string  `json:"spatial_key"`
	LabelsKey    *string  `json:"labels_key"`
	SpotDiameter *float64 `json:"spot_diameter"`
	ScaleKey     *string  `json:"scale_key"`
	Scale        *float64 `json:"scale"`
	Palette      *string  `json:"palette"`
	Colormap     *string  `json:"colormap"`
	Blending     *string  `json:"blending"`
	KeyAdded     *string  `json:"key_added"`
	Symbol       *string  `json:"symbol"`
}

// Settings returns the session's display configuration.
func (s *ViewService) Settings(id string) (model.Settings, error) {
	var out model.Settings
	err := s.withSession(id, func(sess *Session) error {
		out = sess.model.Settings()
		return nil
	})
	return out, err
}

// UpdateSettings validates and applies patch. Nothing is applied when any
// field is rejected.
func (s *ViewService) UpdateSettings(id string, patch SettingsPatch) (model.Settings, error) {
	var out model.Settings
	err := s.withSession(id, func(sess *Session) error {
		next, err := applyPatch(sess.model.Settings(), patch)
		if err != nil {
			return err
		}
		if next.SpatialKey != sess.model.SpatialKey() {
			sess.model.SetCoordinates(nil)
		}
		sess.model.ApplySettings(next)
		out = sess.model.Settings()
		return nil
	})
	return out, err
}

func applyPatch(cur model.Settings, p SettingsPatch) (model.Settings, error) {
	if p.LibraryID != nil {
		cur.LibraryID = *p.LibraryID
	}
	if p.SpatialKey != nil {
		if *p.SpatialKey == "" {
			return cur, &model.ArgumentError{Value: "", Msg: "Spatial key must not be empty."}
		}
		cur.SpatialKey = *p.SpatialKey
	}
	if p.LabelsKey != nil {
		cur.LabelsKey = *p.LabelsKey
	}
	if p.SpotDiameter != nil {
		d := *p.SpotDiameter
		if !(d > 0) || math.IsInf(d, 0) {
			v := strconv.FormatFloat(d, 'g', -1, 64)
			return cur, &model.ArgumentError{Value: v, Msg: fmt.Sprintf("Spot diameter must be positive, got `%s`.", v)}
		}
		cur.SpotDiameter = d
	}
	if p.ScaleKey != nil {
		cur.ScaleKey = *p.ScaleKey
	}
	if p.Scale != nil {
		if *p.Scale < 0 || math.IsNaN(*p.Scale) {
			v := strconv.FormatFloat(*p.Scale, 'g', -1, 64)
			return cur, &model.ArgumentError{Value: v, Msg: fmt.Sprintf("Scale must not be negative, got `%s`.", v)}
		}
		cur.Scale = *p.Scale
	}
	if p.Palette != nil {
		cur.Palette = *p.Palette
	}
	if p.Colormap != nil {
		if _, ok := colormap.Lookup(*p.Colormap); !ok {
			return cur, &model.ArgumentError{Value: *p.Colormap, Msg: fmt.Sprintf(
				"Unknown colormap `%s`. Valid options are %s.", *p.Colormap, strings.Join(colormap.Names(), ", "))}
		}
		cur.Colormap = *p.Colormap
	}
	if p.Blending != nil {
		if _, err := render.BlendingAlpha(*p.Blending); err != nil {
			return cur, &model.ArgumentError{Value: *p.Blending, Msg: fmt.Sprintf("Unknown blending `%s`.", *p.Blending)}
		}
		cur.Blending = *p.Blending
	}
	if p.KeyAdded != nil {
		cur.KeyAdded = *p.KeyAdded
	}
	if p.Symbol != nil {
		sym, err := model.ParseSymbol(*p.Symbol)
		if err != nil {
			return cur, err
		}
		cur.Symbol = sym
	}
	return cur, nil
}

// Keys lists a table section without a session.
func (s *ViewService) Keys(section string) ([]string, error) {
	m := model.New(s.view)
	m.SetTable(s.dataset.Table)
	return m.Items(section)
}

// Items lists a table section through the session's model.
func (s *ViewService) Items(id, section string) ([]string, error) {
	var out []string
	err := s.withSession(id, func(sess *Session) error {
		var err error
		out, err = sess.model.Items(section)
		return err
	})
	return out, err
}

// Observation returns an obs column.
func (s *ViewService) Observation(id, name string) (VectorResult, error) {
	return s.resolve(id, Source{Kind: "obs", Key: name})
}

// Gene returns a variable's expression. key is a var name or, when no var of
// that name exists, an integer position.
func (s *ViewService) Gene(id, key string) (VectorResult, error) {
	return s.resolve(id, Source{Kind: "var", Key: key})
}

// Embedding returns one column of an obsm entry.
func (s *ViewService) Embedding(id, name, index string) (VectorResult, error) {
	return s.resolve(id, Source{Kind: "obsm", Key: name, Index: index})
}

func (s *ViewService) resolve(id string, src Source) (VectorResult, error) {
	var out VectorResult
	err := s.withSession(id, func(sess *Session) error {
		var err error
		out, err = s.vector(sess, src)
		return err
	})
	return out, err
}

// vector resolves src through the model, consulting the vector cache first.
// Callers hold sess.mu.
func (s *ViewService) vector(sess *Session, src Source) (VectorResult, error) {
	m := sess.model
	lookup := sourceKey(sess, src)
	if s.cache != nil {
		if cv, ok := s.cache.GetVector(lookup); ok {
			return VectorResult{Values: cv.Values, Label: cv.Label}, nil
		}
	}

	var (
		v     anndata.Vector
		label string
		err   error
	)
	switch src.Kind {
	case "obs":
		v, label, err = m.Observation(src.Key)
	case "var":
		v, label, err = m.Gene(geneKey(s.dataset.Table, src.Key))
	case "obsm":
		v, label, err = m.Embedding(src.Key, indexKey(src.Index))
	default:
		return VectorResult{}, &model.ArgumentError{Value: src.Kind, Msg: fmt.Sprintf(
			"Unknown source `%s`. Valid options are `obs`, `var`, `obsm`.", src.Kind)}
	}
	if err != nil {
		return VectorResult{}, err
	}

	if s.cache != nil {
		s.cache.SetVector(lookup, cache.CachedVector{Values: v, Label: label})
	}
	return VectorResult{Values: v, Label: label}, nil
}

// sourceKey identifies the vector src resolves to under the session's current
// layer selection. Labels are not unique across sources, so cache keys are
// built from this instead.
func sourceKey(sess *Session, src Source) string {
	m := sess.model
	return cache.VectorKey(sess.scope, src.Kind, src.Key, src.Index,
		layerName(m.Layer()), m.TableLayer())
}

// geneKey prefers a var name and falls back to an integer position.
func geneKey(tbl *anndata.Table, key string) model.Key {
	if _, ok := tbl.VarIndex(key); ok {
		return model.Name(key)
	}
	if i, err := strconv.Atoi(strings.TrimSpace(key)); err == nil {
		return model.Pos(i)
	}
	return model.Name(key)
}

// indexKey treats integers as positions and anything else as a column name.
// An empty index selects the first column.
func indexKey(index string) model.Key {
	if index == "" {
		return model.Pos(0)
	}
	if i, err := strconv.Atoi(index); err == nil {
		return model.Pos(i)
	}
	return model.Name(index)
}

// RenderOverlay colours the session's spatial coordinates by the vector src
// selects and returns a PNG.
func (s *ViewService) RenderOverlay(id string, src Source) ([]byte, error) {
	var out []byte
	err := s.withSession(id, func(sess *Session) error {
		var err error
		out, err = s.renderOverlay(sess, src)
		return err
	})
	return out, err
}

func (s *ViewService) renderOverlay(sess *Session, src Source) ([]byte, error) {
	m := sess.model
	res, err := s.vector(sess, src)
	if err != nil {
		return nil, err
	}

	scale := m.Scale()
	if scale <= 0 {
		if f, ok := ScaleFactor(m.Table().Uns, m.LibraryID(), m.ScaleKey()); ok {
			scale = f
		} else {
			scale = 1
		}
	}

	opts := render.Options{
		Symbol:   string(m.Symbol()),
		Diameter: m.SpotDiameter(),
		Scale:    scale,
		Blending: m.Blending(),
	}
	key := cache.OverlayKey(sess.scope, sourceKey(sess, src), map[string]interface{}{
		"spatial":  m.SpatialKey(),
		"symbol":   opts.Symbol,
		"diameter": opts.Diameter,
		"scale":    opts.Scale,
		"blending": opts.Blending,
		"colormap": m.Colormap(),
		"palette":  m.Palette(),
	})
	if s.cache != nil {
		if data, ok := s.cache.GetOverlay(key); ok {
			return data, nil
		}
	}

	coords := m.Coordinates()
	if coords == nil {
		if coords, err = m.SpatialCoordinates(); err != nil {
			return nil, err
		}
	}
	if res.Values.Len() != len(coords) {
		return nil, fmt.Errorf("%s has %d values for %d points: %w",
			res.Label, res.Values.Len(), len(coords), anndata.ErrShapeMismatch)
	}

	colors, err := vectorColors(res.Values, m.Colormap(), m.Palette())
	if err != nil {
		return nil, err
	}

	data, err := s.renderer.RenderPoints(coords, colors, opts)
	if err != nil {
		if errors.Is(err, render.ErrInvalidOption) {
			return nil, &model.ArgumentError{Value: opts.Symbol, Msg: err.Error()}
		}
		return nil, fmt.Errorf("failed to render overlay: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetOverlay(key, data); err != nil {
			log.Printf("[ViewService] overlay cache set failed for %s: %v", res.Label, err)
		}
	}
	return data, nil
}

func vectorColors(v anndata.Vector, cmapName, paletteName string) ([]color.Color, error) {
	switch t := v.(type) {
	case anndata.Categorical:
		return render.CategoricalColors(t.Codes, colormap.Palette(paletteName)), nil
	case anndata.Strings:
		return render.CategoricalColors(anndata.Categorize(t).Codes, colormap.Palette(paletteName)), nil
	}
	vals, ok := anndata.Float64s(v)
	if !ok {
		return nil, &model.ArgumentError{Value: fmt.Sprintf("%T", v), Msg: "Vector cannot be coloured."}
	}
	cmap, ok := colormap.Lookup(cmapName)
	if !ok {
		return nil, &model.ArgumentError{Value: cmapName, Msg: fmt.Sprintf("Unknown colormap `%s`.", cmapName)}
	}
	return render.NumericColors(vals, cmap), nil
}

func (s *ViewService) withSession(id string, fn func(*Session) error) error {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fn(sess)
}

func (s *ViewService) purge(sess *Session) {
	if s.cache == nil {
		return
	}
	if n := s.cache.PurgeVectors(cache.VectorKey(sess.scope)); n > 0 {
		log.Printf("[ViewService] purged %d cached vectors for session %s", n, sess.ID)
	}
}

func (s *ViewService) onEvict(id string, sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, disconnect := range sess.disconnects {
		disconnect()
	}
	sess.disconnects = nil
	s.purge(sess)
}

func sessionInfo(dataset string, sess *Session) SessionInfo {
	return SessionInfo{
		ID:         sess.ID,
		Dataset:    dataset,
		Layer:      layerName(sess.model.Layer()),
		TableLayer: sess.model.TableLayer(),
		Settings:   sess.model.Settings(),
	}
}

func layerName(l model.Layer) string {
	if l == nil {
		return ""
	}
	return l.String()
}
