package fetcher

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CSOAPIBaseURL is the EEA data portal incident search endpoint. Results
// come back in pages; an empty results array marks the end.
const CSOAPIBaseURL = "https://eeaonline.eea.state.ma.us/dep/CSOAPI/api/Incident/GetIncidentsBySearchFields/"

// CSOClient pages through the EEA data portal's CSO incident API.
type CSOClient struct {
	fetcher  *HTTPFetcher
	baseURL  string
	pageSize int
}

// NewCSOClient creates a client against the production portal. baseURL
// is overridable for tests.
func NewCSOClient(f *HTTPFetcher, baseURL string) *CSOClient {
	if baseURL == "" {
		baseURL = CSOAPIBaseURL
	}
	return &CSOClient{fetcher: f, baseURL: baseURL, pageSize: 50}
}

// Incident is one CSO discharge incident as reported to the portal. The
// portal returns more fields than these; unrecognized ones are ignored.
type Incident struct {
	IncidentID      json.Number `json:"incidentId"`
	ReporterClass   string      `json:"reporterClass"`
	Municipality    string      `json:"municipality"`
	WaterBody       string      `json:"waterBodyName"`
	Location        string      `json:"location"`
	Latitude        json.Number `json:"latitude"`
	Longitude       json.Number `json:"longitude"`
	IncidentDate    string      `json:"incidentDate"`
	SubmittedDate   string      `json:"submittedDate"`
	VolumeGallons   json.Number `json:"estimatedVolume"`
	DurationMinutes json.Number `json:"duration"`
}

type incidentPage struct {
	Results []Incident `json:"results"`
}

// FetchAll pages through the portal until an empty page comes back.
// Query parameters, like a reporter class or a date window, apply to every
// page.
func (c *CSOClient) FetchAll(ctx context.Context, params map[string]string) ([]Incident, error) {
	var all []Incident
	for page := 0; ; page++ {
		incidents, err := c.fetchPage(ctx, page, params)
		if err != nil {
			return nil, err
		}
		if len(incidents) == 0 {
			break
		}
		all = append(all, incidents...)
		zap.L().Debug("fetcher: cso page fetched", zap.Int("page", page), zap.Int("incidents", len(incidents)))
	}
	zap.L().Info("fetcher: cso incidents fetched", zap.Int("total", len(all)))
	return all, nil
}

func (c *CSOClient) fetchPage(ctx context.Context, page int, params map[string]string) ([]Incident, error) {
	query := []string{
		fmt.Sprintf("pageSize=%d", c.pageSize),
		fmt.Sprintf("pageNumber=%d", page),
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		query = append(query, k+"="+url.QueryEscape(params[k]))
	}
	endpoint := c.baseURL + "?" + strings.Join(query, "&")

	body, err := c.fetcher.Get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var p incidentPage
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode cso page %d", page)
	}
	return p.Results, nil
}

// WriteIncidentsCSV writes fetched incidents as a CSV table for assembly
// into the AMEND database.
func WriteIncidentsCSV(path string, incidents []Incident) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "fetcher: create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"incidentId", "reporterClass", "municipality", "waterBodyName", "location",
		"latitude", "longitude", "incidentDate", "submittedDate", "estimatedVolume", "duration"}
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "fetcher: write csv header")
	}
	for _, in := range incidents {
		row := []string{in.IncidentID.String(), in.ReporterClass, in.Municipality, in.WaterBody, in.Location,
			in.Latitude.String(), in.Longitude.String(), in.IncidentDate, in.SubmittedDate,
			in.VolumeGallons.String(), in.DurationMinutes.String()}
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "fetcher: write csv row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "fetcher: flush csv")
}
