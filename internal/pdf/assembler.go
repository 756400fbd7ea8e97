// Package pdf composes episode PDFs from markdown text and generated
// scene images.
package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"

	"manga-server/internal/models"
	"manga-server/internal/scene"
)

const (
	minValidPDFSize = 1000
	pdfMagic        = "%PDF-"

	// fraction of the content height one image may occupy
	maxImageHeightRatio = 0.6
)

// SceneImage is one successfully generated image, paired with its scene by
// the 1-based scene index.
type SceneImage struct {
	Index  int
	Prompt string
	PNG    []byte
}

// Meta identifies the episode a PDF belongs to and pins its creation date.
type Meta struct {
	UserID        string
	StoryID       string
	EpisodeID     string
	EpisodeNumber int
	// GeneratedAt is written into the document verbatim, so assembling the
	// same inputs twice yields byte-identical output.
	GeneratedAt time.Time
}

// Assembler renders portrait pages with scene images followed by scene text.
type Assembler struct {
	pageSize  string
	marginMM  float64
	maxScenes int
	logger    *zap.Logger
}

func NewAssembler(pageSize string, marginMM float64, maxScenes int, logger *zap.Logger) *Assembler {
	if pageSize == "" {
		pageSize = "A4"
	}
	if marginMM <= 0 {
		marginMM = 20
	}
	if maxScenes < 1 {
		maxScenes = scene.DefaultMaxScenes
	}
	return &Assembler{
		pageSize:  pageSize,
		marginMM:  marginMM,
		maxScenes: maxScenes,
		logger:    logger.Named("PDFAssembler"),
	}
}

// Assemble builds the episode document: a title page, then one section per
// scene in extraction order, each holding at most one image followed by the
// scene text. With no images at all the result is a text-only document with
// the same layout.
func (a *Assembler) Assemble(episodeMarkdown string, images []SceneImage, meta Meta) ([]byte, error) {
	doc := fpdf.New("P", "mm", a.pageSize, "")
	doc.SetMargins(a.marginMM, a.marginMM, a.marginMM)
	doc.SetAutoPageBreak(true, a.marginMM)
	doc.SetCreationDate(meta.GeneratedAt)
	doc.SetModificationDate(meta.GeneratedAt)

	title := parseTitle(episodeMarkdown)
	doc.SetTitle(title, true)
	doc.SetSubject(fmt.Sprintf("Episode %d of story %s", meta.EpisodeNumber, meta.StoryID), true)
	doc.SetAuthor(meta.UserID, true)
	doc.SetCreator("manga-server", true)

	tr := doc.UnicodeTranslatorFromDescriptor("")

	a.addTitlePage(doc, tr, title, meta)

	byIndex := make(map[int]SceneImage, len(images))
	for _, img := range images {
		byIndex[img.Index] = img
	}

	segments := scene.Segments(episodeMarkdown, a.maxScenes)
	for i, segment := range segments {
		if err := a.addScene(doc, tr, i+1, segment, byIndex); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}

	data := buf.Bytes()
	if err := Validate(data); err != nil {
		return nil, err
	}

	a.logger.Debug("Episode PDF assembled",
		zap.String("episodeID", meta.EpisodeID),
		zap.Int("scenes", len(segments)),
		zap.Int("images", len(images)),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}

func (a *Assembler) addTitlePage(doc *fpdf.Fpdf, tr func(string) string, title string, meta Meta) {
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 28)
	doc.Ln(40)
	doc.MultiCell(0, 14, tr(title), "", "C", false)
	doc.Ln(10)

	doc.SetFont("Helvetica", "", 18)
	doc.MultiCell(0, 10, tr(fmt.Sprintf("Episode %d", meta.EpisodeNumber)), "", "C", false)
	doc.Ln(20)

	doc.SetFont("Helvetica", "I", 12)
	doc.MultiCell(0, 8, tr(meta.GeneratedAt.Format("January 2, 2006")), "", "C", false)
}

func (a *Assembler) addScene(doc *fpdf.Fpdf, tr func(string) string, index int, segment string, byIndex map[int]SceneImage) error {
	doc.AddPage()

	if img, ok := byIndex[index]; ok {
		if err := a.placeImage(doc, index, img.PNG); err != nil {
			return err
		}
		doc.Ln(8)
	}

	doc.SetFont("Helvetica", "", 12)
	doc.MultiCell(0, 6, tr(cleanSceneText(segment)), "", "L", false)
	return nil
}

// placeImage scales the image to the content width, clamped to 60% of the
// content height, and centers it horizontally.
func (a *Assembler) placeImage(doc *fpdf.Fpdf, index int, png []byte) error {
	name := fmt.Sprintf("scene-%03d", index)
	opts := fpdf.ImageOptions{ImageType: "PNG"}

	info := doc.RegisterImageOptionsReader(name, opts, bytes.NewReader(png))
	if err := doc.Error(); err != nil {
		return fmt.Errorf("failed to register scene image %d: %w", index, err)
	}

	pageW, pageH := doc.GetPageSize()
	contentW := pageW - 2*a.marginMM
	contentH := pageH - 2*a.marginMM
	maxH := contentH * maxImageHeightRatio

	w := contentW
	h := w * info.Height() / info.Width()
	if h > maxH {
		h = maxH
		w = h * info.Width() / info.Height()
	}

	x := a.marginMM + (contentW-w)/2
	doc.ImageOptions(name, x, doc.GetY(), w, h, true, opts, 0, "")
	if err := doc.Error(); err != nil {
		return fmt.Errorf("failed to place scene image %d: %w", index, err)
	}
	return nil
}

// Validate rejects documents that are too small to be a rendered episode or
// that do not start with the PDF magic bytes.
func Validate(data []byte) error {
	if len(data) < minValidPDFSize {
		return fmt.Errorf("%w: pdf too small (%d bytes)", models.ErrValidation, len(data))
	}
	if !bytes.HasPrefix(data, []byte(pdfMagic)) {
		return fmt.Errorf("%w: missing pdf magic", models.ErrValidation)
	}
	return nil
}

// parseTitle returns the text of the first markdown H1 line, or "Episode"
// when the document has none.
func parseTitle(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			if title := strings.TrimSpace(strings.TrimPrefix(trimmed, "# ")); title != "" {
				return title
			}
		}
	}
	return "Episode"
}

// cleanSceneText strips markdown decoration characters so body pages read
// as plain prose.
func cleanSceneText(segment string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '#', '*', '_', '`':
			return -1
		}
		return r
	}, segment)

	lines := strings.Split(cleaned, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
