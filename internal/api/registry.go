package api

import (
	"github.com/soma-tiles/spatialview/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	NObs     int    `json:"n_obs"`
	NVars    int    `json:"n_vars"`
	Sessions int    `json:"sessions"`
}

// DatasetRegistry holds view services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.ViewService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.ViewService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a view service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.ViewService) {
	r.services[datasetID] = svc
}

// Get returns the view service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.ViewService {
	return r.services[datasetID]
}

// Default returns the default dataset's view service.
func (r *DatasetRegistry) Default() *service.ViewService {
	return r.services[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "spatialview"
}

// Datasets returns dataset info for all registered datasets. Configured
// datasets that failed to load are skipped.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		tbl := svc.Dataset().Table
		infos = append(infos, DatasetInfo{
			ID:       id,
			Name:     id,
			NObs:     tbl.NObs(),
			NVars:    tbl.NVars(),
			Sessions: svc.SessionCount(),
		})
	}
	return infos
}

// Close releases every registered service.
func (r *DatasetRegistry) Close() {
	for _, svc := range r.services {
		svc.Close()
	}
}
