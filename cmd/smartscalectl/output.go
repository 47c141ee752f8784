package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/timamz/SmartScale/pkg/models"
)

func writeKeys(w io.Writer, keys []*models.APIKey) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
	}
	return tw.Flush()
}

func writePrices(w io.Writer, prices []*models.PriceEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tPRICE PER UNIT\tUPDATED")
	for _, p := range prices {
		fmt.Fprintf(tw, "%s\t%.2f\t%s\n", p.Label, p.PricePerUnit, p.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeModel(w io.Writer, reg *models.ModelRegistry) {
	fmt.Fprintf(w, "model_id:       %s\nmodel_revision: %s\nupdated_at:     %s\n",
		reg.ModelID, reg.ModelRevision, reg.UpdatedAt.UTC().Format(time.RFC3339))
}

func writeJob(w io.Writer, job *models.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
