package flow

import "github.com/example/kyc-flow/internal/reference"

// Resolution is what the reference table says about the current selection.
type Resolution struct {
	Entry        reference.Entry
	Found        bool
	Modality     reference.Modality
	RequiresBack bool
}

// Resolve looks up the selection. A miss, or an entry whose barcode type is
// neither MRZ nor barcode, falls back to MRZ; a miss also requires a back side.
func Resolve(table *reference.Table, countryCode, documentType string) Resolution {
	entry, found := table.Lookup(countryCode, documentType)
	if !found {
		return Resolution{Modality: reference.ModalityMRZ, RequiresBack: true}
	}
	modality := entry.Modality
	if modality != reference.ModalityBarcode {
		modality = reference.ModalityMRZ
	}
	return Resolution{
		Entry:        entry,
		Found:        true,
		Modality:     modality,
		RequiresBack: entry.RequiresBack,
	}
}

// Recompute derives the effective flow from a parsed template and the current
// selection. It is pure: identical inputs always give identical flows.
//
// Scan-family and terminal steps are stripped from the template and
// re-appended as [scan(modality), complete]; document-back is dropped when the
// resolved entry does not need it. An empty template yields an empty flow.
func Recompute(template []Step, countryCode, documentType string, table *reference.Table) []Step {
	if len(template) == 0 {
		return nil
	}
	res := Resolve(table, countryCode, documentType)

	steps := make([]Step, 0, len(template)+2)
	for _, step := range template {
		switch step.Kind {
		case KindScan, KindComplete:
			continue
		case KindDocumentBack:
			if !res.RequiresBack {
				continue
			}
		}
		steps = append(steps, step)
	}
	return append(steps,
		Step{Kind: KindScan, Modality: res.Modality},
		Step{Kind: KindComplete},
	)
}
