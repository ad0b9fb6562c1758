// Package pdf renders batch documents as PDF files.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

// Fixed strings printed into artifacts.
const (
	LegalNote         = "Note: URLs are omitted due to legal restrictions."
	InaccessibleNote  = "Source could not be accessed"
	NotAvailable      = "N/A"
	publishedLayout   = "Mon 02 Jan 2006 at 3:04pm"
	contentTypePDF    = "application/pdf"
	extensionPDF      = ".pdf"
	defaultFontFamily = "Helvetica"
	maxImageWidth     = 160.0
	maxImageHeight    = 100.0
)

// Style selects how a line is typeset.
type Style int

// Line styles.
const (
	StyleTitle Style = iota
	StyleMeta
	StyleSummary
	StyleBody
	StyleMedia
	StyleNote
	StyleLink
	StyleBreak
	// StyleImage embeds Line.Image with Line.Text as its caption.
	StyleImage
)

// Line is one typeset paragraph of the document.
type Line struct {
	Style Style
	Text  string
	Image string
}

// Config controls page setup.
type Config struct {
	// Compress deflates page streams. Disable to inspect output in tests.
	Compress bool    `mapstructure:"compress"`
	FontSize float64 `mapstructure:"font_size"`

	// EmbedImages downloads the first image of full-conversion entries.
	EmbedImages   bool          `mapstructure:"embed_images"`
	ImageTimeout  time.Duration `mapstructure:"image_timeout"`
	MaxImageBytes int64         `mapstructure:"max_image_bytes"`
}

// Option customises a Renderer.
type Option func(*Renderer)

// WithImageFetcher sets the source of embedded images.
func WithImageFetcher(f ImageFetcher) Option {
	return func(r *Renderer) { r.images = f }
}

// WithLogger sets the logger used for skipped images.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Renderer) {
		if logger != nil {
			r.logger = logger.Named("pdf")
		}
	}
}

// Renderer implements orchestrator.Renderer with fpdf core fonts.
type Renderer struct {
	cfg    Config
	images ImageFetcher
	logger *zap.Logger
}

// New builds a Renderer. With EmbedImages set and no fetcher supplied, images
// are downloaded over HTTP.
func New(cfg Config, opts ...Option) *Renderer {
	if cfg.FontSize <= 0 {
		cfg.FontSize = 11
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 10 * time.Second
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 5 << 20
	}
	r := &Renderer{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.EmbedImages && r.images == nil {
		r.images = NewHTTPImageFetcher(nil, cfg.MaxImageBytes)
	}
	return r
}

// ContentType implements orchestrator.Renderer.
func (r *Renderer) ContentType() string { return contentTypePDF }

// Extension implements orchestrator.Renderer.
func (r *Renderer) Extension() string { return extensionPDF }

// Render lays the document out and returns the PDF bytes.
func (r *Renderer) Render(ctx context.Context, doc orchestrator.Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.cfg.Compress)
	pdf.SetCatalogSort(true)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetCreationDate(doc.GeneratedAt)
	pdf.SetModificationDate(doc.GeneratedAt)
	pdf.SetTitle("Batch "+doc.BatchID, true)
	pdf.SetAuthor(doc.OwnerProject, true)
	pdf.AddPage()

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	size := r.cfg.FontSize
	for _, line := range Layout(doc) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("render cancelled: %w", err)
		}
		switch line.Style {
		case StyleBreak:
			pdf.Ln(size * 0.6)
			continue
		case StyleImage:
			r.embedImage(ctx, pdf, line, size)
			continue
		case StyleTitle:
			pdf.SetFont(defaultFontFamily, "B", size+5)
		case StyleMeta, StyleMedia:
			pdf.SetFont(defaultFontFamily, "", size-1)
		case StyleSummary:
			pdf.SetFont(defaultFontFamily, "I", size)
		case StyleNote:
			pdf.SetFont(defaultFontFamily, "I", size-1)
		case StyleLink:
			pdf.SetFont(defaultFontFamily, "U", size-1)
		default:
			pdf.SetFont(defaultFontFamily, "", size)
		}
		pdf.MultiCell(0, size*0.5, tr(line.Text), "", "L", false)
		pdf.Ln(size * 0.2)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// embedImage draws the image centred under the current line, followed by its
// caption. An image that cannot be fetched or decoded is skipped.
func (r *Renderer) embedImage(ctx context.Context, pdf *fpdf.Fpdf, line Line, size float64) {
	if r.images == nil || line.Image == "" {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.ImageTimeout)
	data, err := r.images.FetchImage(fetchCtx, line.Image)
	cancel()
	if err == nil {
		err = r.placeImage(pdf, line.Image, data)
	}
	if err != nil {
		r.logger.Warn("skipping image", zap.String("url", line.Image), zap.Error(err))
		return
	}
	if caption := strings.TrimSpace(line.Text); caption != "" {
		pdf.SetFont(defaultFontFamily, "BI", size-3)
		pdf.MultiCell(0, size*0.4, pdf.UnicodeTranslatorFromDescriptor("")(caption), "", "C", false)
	}
	pdf.Ln(size * 0.2)
}

func (r *Renderer) placeImage(pdf *fpdf.Fpdf, name string, data []byte) error {
	imageType, data, err := normaliseImage(data)
	if err != nil {
		return err
	}
	opts := fpdf.ImageOptions{ImageType: imageType}
	info := pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if pdf.Err() {
		// fpdf errors are sticky.
		err := pdf.Error()
		pdf.ClearError()
		return fmt.Errorf("register image: %w", err)
	}
	if info == nil || info.Width() <= 0 || info.Height() <= 0 {
		return fmt.Errorf("register image: empty image")
	}
	pageW, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	w := min(pageW-left-right, maxImageWidth)
	h := w * info.Height() / info.Width()
	if h > maxImageHeight {
		h = maxImageHeight
		w = h * info.Width() / info.Height()
	}
	pdf.ImageOptions(name, (pageW-w)/2, 0, w, h, true, opts, 0, "")
	return nil
}

// Layout turns the document into typeset lines. Entries arrive already ordered.
func Layout(doc orchestrator.Document) []Line {
	var lines []Line
	for i, e := range doc.Entries {
		if i > 0 {
			lines = append(lines, Line{Style: StyleBreak})
		}
		if e.Placeholder {
			lines = append(lines,
				Line{Style: StyleNote, Text: InaccessibleNote},
				Line{Style: StyleLink, Text: e.SourceURL},
			)
			continue
		}
		lines = append(lines, entryLines(e, doc.Kind)...)
	}
	return lines
}

func entryLines(e orchestrator.Entry, kind orchestrator.ArtifactKind) []Line {
	var lines []Line
	if e.HasTitle() {
		lines = append(lines, Line{Style: StyleTitle, Text: strings.TrimSpace(e.Title)})
	}
	lines = append(lines,
		Line{Style: StyleMeta, Text: "Author: " + authors(e.Authors)},
		Line{Style: StyleMeta, Text: "Published: " + published(e.Timestamp)},
	)
	if kind.IncludesMedia() {
		for _, m := range e.Media {
			if strings.TrimSpace(m.URL) != "" {
				lines = append(lines, Line{Style: StyleImage, Text: m.Caption, Image: strings.TrimSpace(m.URL)})
				break
			}
		}
	}
	if summary := strings.TrimSpace(e.Summary); summary != "" {
		lines = append(lines, Line{Style: StyleSummary, Text: summary})
	}
	for _, paragraph := range strings.Split(FlattenHTML(e.Body), "\n\n") {
		if paragraph != "" {
			lines = append(lines, Line{Style: StyleBody, Text: paragraph})
		}
	}
	if kind.IncludesMedia() {
		for _, m := range e.Media {
			caption := strings.TrimSpace(m.Caption)
			if caption == "" {
				caption = "Image"
			}
			lines = append(lines, Line{Style: StyleMedia, Text: fmt.Sprintf("Image: %s (%s)", caption, m.URL)})
		}
	}
	if !e.HasTitle() {
		if len(e.Keywords) > 0 {
			lines = append(lines, Line{Style: StyleMeta, Text: "Keywords: " + strings.Join(e.Keywords, ", ")})
		}
		lines = append(lines,
			Line{Style: StyleNote, Text: LegalNote},
			Line{Style: StyleLink, Text: e.SourceURL},
		)
	}
	return lines
}

func authors(names []string) string {
	var kept []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		return NotAvailable
	}
	return strings.Join(kept, ", ")
}

func published(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return NotAvailable
	}
	return ts.UTC().Format(publishedLayout)
}
