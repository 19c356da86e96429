package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"dealwatch/models"
	"dealwatch/storage"
)

// ArtifactService stores diagnostic captures of blocked pages in the
// configured sink (local directory or S3).
type ArtifactService struct {
	sink storage.ArtifactSink
	now  func() time.Time
}

func NewArtifactService(sink storage.ArtifactSink) *ArtifactService {
	return &ArtifactService{sink: sink, now: time.Now}
}

// RecordBlocked saves the page HTML and, when present, its screenshot. It
// returns the location of the HTML capture.
func (s *ArtifactService) RecordBlocked(ctx context.Context, id string, strategy models.Strategy, html, screenshot []byte) (string, error) {
	ts := s.now().UTC()
	base := fmt.Sprintf("blocked/%s/%s-%s-%d", ts.Format("2006-01-02"), id, strategy, ts.UnixMilli())

	htmlRef, err := s.sink.Put(ctx, base+".html", bytes.NewReader(html), "text/html; charset=utf-8")
	if err != nil {
		return "", fmt.Errorf("store blocked html: %w", err)
	}

	if len(screenshot) > 0 {
		shotRef, err := s.sink.Put(ctx, base+".png", bytes.NewReader(screenshot), "image/png")
		if err != nil {
			log.WithError(err).WithField("id", id).Warn("Failed to store blocked screenshot")
		} else {
			log.WithFields(log.Fields{"id": id, "screenshot": shotRef}).Debug("Stored blocked screenshot")
		}
	}
	return htmlRef, nil
}
