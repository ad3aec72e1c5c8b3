package main

import (
	"encoding/json"
	"math"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
	"github.com/nesanders/MAenvironmentaldata/internal/store"
)

var (
	listRunID  string
	listFamily string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "aggregates",
	Short: "List stored aggregate rows as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.ListAggregates(ctx, store.AggregateFilter{
			RunID:  listRunID,
			Family: model.Family(listFamily),
			Limit:  listLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list aggregates")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(printableRows(rows))
	},
}

type printableRow struct {
	Family         model.Family        `json:"family"`
	RegionID       string              `json:"region_id"`
	VolumeMGal     float64             `json:"volume_mgal"`
	DischargeCount float64             `json:"discharge_count"`
	Population     float64             `json:"population"`
	Indicators     map[string]*float64 `json:"indicators"`
	Smoothed       bool                `json:"smoothed"`
}

// printableRows renders NaN indicator values as JSON null, which
// encoding/json cannot do for raw NaN floats.
func printableRows(rows []model.AggregateRow) []printableRow {
	out := make([]printableRow, 0, len(rows))
	for _, r := range rows {
		p := printableRow{
			Family:         r.Family,
			RegionID:       r.RegionID,
			VolumeMGal:     r.VolumeMGal,
			DischargeCount: r.DischargeCount,
			Population:     r.Population,
			Indicators:     make(map[string]*float64, len(r.Indicators)),
			Smoothed:       r.Smoothed,
		}
		for k, v := range r.Indicators {
			if math.IsNaN(v) {
				p.Indicators[k] = nil
			} else {
				val := v
				p.Indicators[k] = &val
			}
		}
		out = append(out, p)
	}
	return out
}

func init() {
	listCmd.Flags().StringVar(&listRunID, "run", "", "filter by run ID")
	listCmd.Flags().StringVar(&listFamily, "family", "", "filter by family: blockgroup, municipality, or watershed")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum rows to return")
	rootCmd.AddCommand(listCmd)
}
