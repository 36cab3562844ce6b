package services

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"scholargraph/config"
	"scholargraph/models"
	"scholargraph/providers"
	"scholargraph/storage"
	"scholargraph/store"
)

var archiveClient = &http.Client{Timeout: 60 * time.Second}

// ObjectUploader stores a blob and returns its public link. Satisfied by
// storage.ObjectStore.
type ObjectUploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

var _ ObjectUploader = (*storage.ObjectStore)(nil)

// PDFArchiver downloads open-access full texts for articles and stores them
// in S3. Everything here is best-effort: a failed download only marks the
// article's pdf_status and never surfaces as a pipeline error.
type PDFArchiver struct {
	Config    *config.Config
	Store     store.Store
	Objects   ObjectUploader
	Logger    *zap.Logger
	LinkByDOI providers.PDFLinkProvider
}

// NewPDFArchiver creates an archiver.
func NewPDFArchiver(cfg *config.Config, st store.Store, objects ObjectUploader, logger *zap.Logger, linkByDOI providers.PDFLinkProvider) *PDFArchiver {
	return &PDFArchiver{Config: cfg, Store: st, Objects: objects, Logger: logger, LinkByDOI: linkByDOI}
}

// ArchiveBatch processes articles with a small parallel limit.
func (p *PDFArchiver) ArchiveBatch(ctx context.Context, articles []*models.Article) {
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 3)

	for _, article := range articles {
		if article.DOI == "" && article.URL == "" {
			continue
		}
		wg.Add(1)
		semaphore <- struct{}{}
		go func(article *models.Article) {
			defer wg.Done()
			defer func() { <-semaphore }()
			p.archiveOne(ctx, article)
		}(article)
	}
	wg.Wait()
}

// archiveOne resolves a PDF link via Unpaywall, downloads it and uploads to
// S3, recording the outcome on the article.
func (p *PDFArchiver) archiveOne(ctx context.Context, article *models.Article) {
	log := p.Logger.With(zap.String("article_id", article.ID), zap.String("doi", article.DOI))

	link := ""
	if article.DOI != "" && p.LinkByDOI != nil {
		found, err := p.LinkByDOI.GetPDFLink(ctx, article.DOI)
		if err != nil {
			log.Warn("Unpaywall lookup failed", zap.Error(err))
		} else {
			link = found
		}
	}
	if link == "" {
		// fall back to the link the search result carried
		link = article.URL
	}
	if link == "" {
		article.PDFStatus = models.PDFStatusFailed
		p.save(ctx, article, log)
		return
	}

	data, foundPDF, err := p.downloadResource(link)
	if err != nil || !foundPDF {
		log.Warn("PDF download failed", zap.String("url", link), zap.Error(err))
		article.PDFStatus = models.PDFStatusFailed
		p.save(ctx, article, log)
		return
	}

	key := article.ID + ".pdf"
	s3link, err := p.Objects.Upload(ctx, key, data, "application/pdf")
	if err != nil {
		log.Error("S3 upload failed", zap.Error(err))
		article.PDFStatus = models.PDFStatusFailed
	} else {
		article.S3Link = s3link
		article.PDFStatus = models.PDFStatusFetched
		log.Info("PDF archived", zap.String("s3_link", s3link))
	}
	p.save(ctx, article, log)
}

func (p *PDFArchiver) save(ctx context.Context, article *models.Article, log *zap.Logger) {
	if err := p.Store.SaveArticle(ctx, article); err != nil {
		log.Warn("Could not persist PDF status", zap.Error(err))
	}
}

// downloadResource fetches a link and returns PDF bytes. Handles direct PDFs
// and tar.gz archives containing a PDF.
func (p *PDFArchiver) downloadResource(link string) ([]byte, bool, error) {
	resp, err := archiveClient.Get(link)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("bad status: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(contentType), "pdf") || strings.HasSuffix(strings.ToLower(link), ".pdf") {
		data, err := io.ReadAll(resp.Body)
		return data, true, err
	}

	if strings.HasSuffix(strings.ToLower(link), ".tar.gz") || strings.HasSuffix(strings.ToLower(link), ".tgz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, err
		}
		defer gz.Close()

		tr := tar.NewReader(gz)
		for {
			header, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, false, err
			}
			if header.Typeflag == tar.TypeReg && strings.HasSuffix(strings.ToLower(header.Name), ".pdf") {
				pdfBytes, err := io.ReadAll(tr)
				return pdfBytes, true, err
			}
		}
	}

	p.Logger.Warn("Could not determine resource type or no PDF found", zap.String("content_type", contentType))
	return nil, false, nil
}
