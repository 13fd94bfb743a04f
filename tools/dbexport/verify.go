package main

import (
	"fmt"
	"io"
	"strings"

	"gorm.io/gorm"

	"github.com/seisreview/eqcutil/internal/datastore"
)

const sampleSize = 5

// Verifier performs post-migration verification.
type Verifier struct {
	sourceDB *gorm.DB
	targetDB *gorm.DB
	out      io.Writer
}

// NewVerifier creates a new Verifier.
func NewVerifier(sourceDB, targetDB *gorm.DB, out io.Writer) *Verifier {
	return &Verifier{sourceDB: sourceDB, targetDB: targetDB, out: out}
}

// Verify compares table counts, then spot checks detections and verdicts.
func (v *Verifier) Verify() error {
	if err := v.verifyCounts(); err != nil {
		return fmt.Errorf("count verification failed: %w", err)
	}
	if err := v.sampleDetections(sampleSize); err != nil {
		return fmt.Errorf("detection sampling failed: %w", err)
	}
	if err := v.sampleReviews(sampleSize); err != nil {
		return fmt.Errorf("review sampling failed: %w", err)
	}
	return nil
}

func (v *Verifier) verifyCounts() error {
	fmt.Fprintln(v.out, "\nVerifying record counts...")
	fmt.Fprintf(v.out, "%-20s %12s %12s %8s\n", "Table", "Source", "Target", "Match")
	fmt.Fprintln(v.out, strings.Repeat("-", 55))

	var mismatched []string
	for _, t := range tables {
		var sourceCount, targetCount int64
		if err := v.sourceDB.Model(t.model).Count(&sourceCount).Error; err != nil {
			return fmt.Errorf("failed to count source %s: %w", t.name, err)
		}
		if err := v.targetDB.Model(t.model).Count(&targetCount).Error; err != nil {
			return fmt.Errorf("failed to count target %s: %w", t.name, err)
		}

		match := "yes"
		if sourceCount != targetCount {
			match = "NO"
			mismatched = append(mismatched, t.name)
		}
		fmt.Fprintf(v.out, "%-20s %12d %12d %8s\n", t.name, sourceCount, targetCount, match)
	}

	if len(mismatched) > 0 {
		return fmt.Errorf("record counts differ for %s", strings.Join(mismatched, ", "))
	}
	return nil
}

// sampleDetections checks the fields ranking depends on for random rows.
func (v *Verifier) sampleDetections(count int) error {
	var source []datastore.DetectionRecord
	if err := v.sourceDB.Order("RANDOM()").Limit(count).Find(&source).Error; err != nil {
		return fmt.Errorf("failed to fetch source samples: %w", err)
	}
	if len(source) == 0 {
		fmt.Fprintln(v.out, "  detections: no records to sample")
		return nil
	}

	for i := range source {
		src := &source[i]
		var target datastore.DetectionRecord
		if err := v.targetDB.Where("id = ?", src.ID).First(&target).Error; err != nil {
			return fmt.Errorf("detection %s not found in target: %w", src.ID, err)
		}
		switch {
		case src.TemplateName != target.TemplateName:
			return fmt.Errorf("detection %s: template mismatch (%s vs %s)", src.ID, src.TemplateName, target.TemplateName)
		case !src.DetectTime.Equal(target.DetectTime):
			return fmt.Errorf("detection %s: detect time mismatch (%s vs %s)", src.ID, src.DetectTime, target.DetectTime)
		case src.DetectVal != target.DetectVal || src.NoChans != target.NoChans:
			return fmt.Errorf("detection %s: correlation sum mismatch (%g/%d vs %g/%d)",
				src.ID, src.DetectVal, src.NoChans, target.DetectVal, target.NoChans)
		}
	}

	fmt.Fprintf(v.out, "  detections: %d samples verified\n", len(source))
	return nil
}

func (v *Verifier) sampleReviews(count int) error {
	var source []datastore.DetectionReview
	if err := v.sourceDB.Order("RANDOM()").Limit(count).Find(&source).Error; err != nil {
		return fmt.Errorf("failed to fetch source samples: %w", err)
	}
	if len(source) == 0 {
		fmt.Fprintln(v.out, "  detection_reviews: no records to sample")
		return nil
	}

	for _, src := range source {
		var target datastore.DetectionReview
		if err := v.targetDB.Where("detection_id = ?", src.DetectionID).First(&target).Error; err != nil {
			return fmt.Errorf("verdict for %s not found in target: %w", src.DetectionID, err)
		}
		if src.Verdict != target.Verdict || src.Reviewer != target.Reviewer {
			return fmt.Errorf("verdict for %s: mismatch (%s by %s vs %s by %s)",
				src.DetectionID, src.Verdict, src.Reviewer, target.Verdict, target.Reviewer)
		}
	}

	fmt.Fprintf(v.out, "  detection_reviews: %d samples verified\n", len(source))
	return nil
}
