/* SPDX-License-Identifier: AGPL-3.0-or-later
 *
 * Zymatik Genomerge - Merge and export a 51-sample genotype dataset.
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package merge implements the merge engine: for each chromosome, join
// the reference panel, the imputed stream, and the user's consumer
// genotypes into a single 51-sample variant stream.
package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/zymatik-com/genomerge/internal/domain"
	"github.com/zymatik-com/genomerge/internal/genotype"
	"github.com/zymatik-com/genomerge/internal/imputed"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
	"github.com/zymatik-com/genomerge/internal/reconcile"
	"github.com/zymatik-com/genomerge/internal/refpanel"
)

// ChromosomeResult summarizes one chromosome's merge pass: how many
// variants were emitted and the breakdown of the user sample's source tag,
// which feeds the per-format output metadata.
type ChromosomeResult struct {
	Chromosome      int
	Emitted         int
	SourceCounts    map[domain.Source]int
	LowQualityCount int
}

func newChromosomeResult(chromosome int) ChromosomeResult {
	return ChromosomeResult{
		Chromosome:   chromosome,
		SourceCounts: make(map[domain.Source]int, 4),
	}
}

// Chromosome merges a single chromosome: it walks refStore's variants for
// chromosome in ascending position order, reconciling each against the
// imputed stream and the consumer genotype index (userCalls, built by the
// caller), and calls emit for every merged variant in strictly ascending
// (position, ref, alt) order.
//
// emit is called synchronously and must not retain the MergedVariant's
// backing array beyond the call, since Chromosome reuses it only within the
// bounds the writing caller expects for a bounded-memory stream.
func Chromosome(
	ctx context.Context,
	chromosome int,
	userCalls map[int64]genotype.Call,
	impReader imputedSource,
	refStore *refpanel.Store,
	threshold domain.QualityThreshold,
	emit func(domain.MergedVariant) error,
) (ChromosomeResult, error) {
	result := newChromosomeResult(chromosome)
	ahead := newLookahead(impReader)

	var lastKey *domain.VariantKey

	scanErr := refStore.Scan(ctx, chromosome, func(v refpanel.Variant) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Indel reference rows are dropped outright.
		if !domain.IsSingleBase(v.Ref) || !domain.IsSingleBase(v.Alt) {
			return nil
		}

		key := domain.VariantKey{Chromosome: chromosome, Position: v.Position, Ref: v.Ref, Alt: v.Alt}
		if lastKey != nil && !lastKey.Less(key) {
			// Duplicate identity tuple; never re-emitted.
			return nil
		}

		if err := ahead.advanceTo(v.Position); err != nil {
			return fmt.Errorf("could not advance imputed stream: %w", err)
		}
		impRec := ahead.lookup(v.Position, v.Ref, v.Alt)

		userSample, err := resolveUserSample(v, userCalls[v.Position], impRec, threshold)
		if err != nil {
			return err
		}

		merged := domain.MergedVariant{
			Key:               key,
			RSID:              v.RSID,
			AlleleFreq:        v.AlleleFreq,
			MinorAlleleFreq:   v.MinorAlleleFreq,
			IsTyped:           v.IsTyped,
			ImputationQuality: v.ImputationQuality,
		}
		if impRec != nil {
			merged.ImputationQuality = impRec.R2
		}

		for i, phased := range v.Samples {
			merged.Samples[i] = domain.Call{
				Dosage: phasedDosage(phased),
				Phased: phased,
				Source: domain.SourceReference,
			}
		}
		merged.Samples[domain.UserSampleIndex] = userSample

		result.SourceCounts[userSample.Source]++
		if userSample.Source == domain.SourceImputedLowQuality {
			result.LowQualityCount++
		}
		result.Emitted++

		lastKey = &key
		return emit(merged)
	})
	if scanErr != nil {
		return result, scanErr
	}

	return result, nil
}

// resolveUserSample picks the user sample's call: genotyped calls always
// win when reconciliation succeeds; otherwise the sample falls back to
// the imputed record if one exists, and to the reference-only policy if
// neither a genotype nor an imputed record exists.
func resolveUserSample(v refpanel.Variant, userCall genotype.Call, impRec *imputed.Variant, threshold domain.QualityThreshold) (domain.Call, error) {
	if userCall.Genotype != "" {
		res, err := reconcile.Reconcile(userCall.Genotype, v.Ref, v.Alt)
		if err == nil {
			return domain.Call{
				Dosage: float64(res.Dosage),
				Phased: res.Phased,
				Source: domain.SourceGenotyped,
			}, nil
		}

		var mismatch *mergeerr.AllelesMismatch
		var invalid *mergeerr.InvalidGenotype
		var missing *mergeerr.MissingGenotype
		if !errors.As(err, &mismatch) && !errors.As(err, &invalid) && !errors.As(err, &missing) {
			return domain.Call{}, err
		}
		// Falls through to the imputed/reference-only path below.
	}

	if impRec == nil {
		return referenceOnlyCall(), nil
	}

	source := domain.SourceImputed
	if impRec.R2 != nil && *impRec.R2 < threshold.Value() {
		source = domain.SourceImputedLowQuality
	}

	return domain.Call{
		Dosage: impRec.Dosage,
		Phased: domain.NearestPhased(impRec.Dosage),
		Source: source,
	}, nil
}

// phasedDosage sums the two haplotype indicators of a "a|b" phased string
// into an integer dosage. Reference samples are always phased.
func phasedDosage(phased string) float64 {
	if len(phased) != 3 {
		return 0
	}
	var total float64
	if phased[0] == '1' {
		total++
	}
	if phased[2] == '1' {
		total++
	}
	return total
}
