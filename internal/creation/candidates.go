package creation

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/geometry"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// searchFor returns the catalogue queries feeding jobs of type t, or nil
// when t is not created from a catalogue.
func (s *Service) searchFor(t models.JobType) []catalogueQuery {
	switch t {
	case models.JobTypeFscRlie:
		params := url.Values{}
		params.Set("productType", "L1C")
		return []catalogueQuery{{s.sources.Creodias, catalogue.CollectionSentinel2, params}}
	case models.JobTypeSwsWds, models.JobTypeRlieS1:
		params := url.Values{}
		params.Set("productType", "GRD")
		params.Set("sensorMode", "IW")
		return []catalogueQuery{{s.sources.Creodias, catalogue.CollectionSentinel1, params}}
	case models.JobTypeGfsc:
		var queries []catalogueQuery
		for _, productType := range []string{models.ProductTypeFSC, models.ProductTypeWDS, models.ProductTypeSWS} {
			params := url.Values{}
			params.Set("productType", productType)
			queries = append(queries, catalogueQuery{s.sources.HRSI, catalogue.CollectionHRSI, params})
		}
		return queries
	default:
		return nil
	}
}

type catalogueQuery struct {
	searcher   catalogue.Searcher
	collection string
	params     url.Values
}

// candidates builds one job per input product and tile.
func (s *Service) candidates(ctx context.Context, params *models.SystemParameters, t models.JobType, products []catalogue.Product) ([]models.Job, error) {
	var jobs []models.Job
	for _, p := range products {
		switch t {
		case models.JobTypeFscRlie:
			jobs = append(jobs, fscRlieCandidate(p))
		case models.JobTypeSwsWds:
			built, err := s.swsWdsCandidates(ctx, p)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, built...)
		case models.JobTypeRlieS1:
			if job := s.rlieS1Candidate(p); job != nil {
				jobs = append(jobs, job)
			}
		case models.JobTypeGfsc:
			jobs = append(jobs, gfscCandidate(p, params.GfscAggregationDays()))
		}
	}
	return jobs, nil
}

func fscRlieCandidate(p catalogue.Product) *models.FscRlieJob {
	job := &models.FscRlieJob{
		L1CID:                  catalogue.ProductName(p.ID),
		L1CPath:                p.Path,
		L1CCloudCover:          p.CloudCover,
		MeasurementDateValue:   p.MeasurementDate,
		L1CEsaCreationDate:     p.CreationDate,
		L1CDiasPublicationDate: models.TimePtr(p.PublicationDate),
	}
	job.TileID = p.TileID
	return job
}

// s1Tiles returns the configured grid tiles a radar footprint covers.
func (s *Service) s1Tiles(p catalogue.Product) []string {
	if s.opts.Grid == nil || p.GeometryWKT == "" {
		return nil
	}
	footprint, err := geometry.ParseWKT(p.GeometryWKT)
	if err != nil {
		s.logger.Warn("Skipping product with unreadable footprint", zap.String("product", p.ID), zap.Error(err))
		return nil
	}
	var tiles []string
	for _, tile := range s.opts.Grid.TilesIntersecting(footprint) {
		if s.tileAllowed(tile) {
			tiles = append(tiles, tile)
		}
	}
	return tiles
}

// swsWdsCandidates builds one radar snow job per covered tile. Slice
// numbers come from the product manifest when a reader is configured.
func (s *Service) swsWdsCandidates(ctx context.Context, p catalogue.Product) ([]models.Job, error) {
	tiles := s.s1Tiles(p)
	if len(tiles) == 0 {
		return nil, nil
	}
	slice := catalogue.SliceInfo{SliceNumber: p.SliceNumber, TotalSlices: p.TotalSlices}
	if s.sources.Manifests != nil && slice.TotalSlices == 0 {
		info, err := s.sources.Manifests.Slice(ctx, p.Path)
		if err != nil {
			s.logger.Warn("Manifest unavailable, slice numbers left unset", zap.String("product", p.ID), zap.Error(err))
		} else {
			slice = info
		}
	}

	s1ID := catalogue.ProductName(p.ID)
	var jobs []models.Job
	for _, tile := range tiles {
		epsg, err := geometry.TileEPSG(tile)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", tile, err)
		}
		job := &models.SwsWdsJob{
			S1ID:                  s1ID,
			S1Path:                p.Path,
			MeasurementDateValue:  p.MeasurementDate,
			S1EsaCreationDate:     p.CreationDate,
			S1DiasPublicationDate: models.TimePtr(p.PublicationDate),
			SliceNumber:           slice.SliceNumber,
			TotalSlices:           slice.TotalSlices,
			AssemblyID:            models.AssemblyIDFor(s1ID, epsg, p.MeasurementDate),
		}
		job.TileID = tile
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Service) rlieS1Candidate(p catalogue.Product) *models.RlieS1Job {
	tiles := s.s1Tiles(p)
	if len(tiles) == 0 {
		return nil
	}
	return &models.RlieS1Job{
		S1ID:                  catalogue.ProductName(p.ID),
		S1Path:                p.Path,
		MeasurementDateValue:  p.MeasurementDate,
		S1EsaCreationDate:     p.CreationDate,
		S1DiasPublicationDate: models.TimePtr(p.PublicationDate),
		TileList:              models.DelimitedList(tiles),
	}
}

// gfscCandidate builds a job triggered by an HR-S&I product. Its input
// lists are left for the configuration loop to fill.
func gfscCandidate(p catalogue.Product, aggregationDays int) *models.GfscJob {
	job := &models.GfscJob{
		ProductDate:                      truncateDay(p.MeasurementDate),
		TriggeringProductID:              p.ID,
		TriggeringProductPublicationDate: models.TimePtr(p.PublicationDate),
		CurationTimestamp:                p.PublicationDate.UTC(),
		AggregationTimespan:              aggregationDays,
	}
	job.TileID = p.TileID
	return job
}

func truncateDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
