package ingestion

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/internal/storage/sqlite"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	require.NoError(t, db.InsertTenant(context.Background(), &models.Tenant{
		ID:        "acme",
		Name:      "Acme",
		CreatedAt: time.Now(),
	}))

	return NewProcessor(db, nil, nil)
}

func TestProcessDocumentDeduplicatesResubmission(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()
	input := DocumentInput{
		Title:   "Password reset guide",
		Content: "Open account settings and follow the reset flow.",
	}

	first, err := p.ProcessDocument(ctx, "acme", input)
	require.NoError(t, err)

	second, err := p.ProcessDocument(ctx, "acme", input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := p.ProcessDocument(ctx, "acme", DocumentInput{
		Title:   "Billing guide",
		Content: "Invoices are issued monthly.",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestContentHashStable(t *testing.T) {
	assert.Equal(t, ContentHash("same text"), ContentHash("same text"))
	assert.NotEqual(t, ContentHash("same text"), ContentHash("other text"))
}

func TestCleanHTMLStripsChrome(t *testing.T) {
	html := `<html><head><title>Reset guide</title><style>body{}</style></head>
	<body>
		<nav>Home | Docs</nav>
		<script>track();</script>
		<p>Open   account settings and follow the reset flow.</p>
		<footer>Copyright</footer>
	</body></html>`

	text := cleanHTML(html)

	assert.Contains(t, text, "Open account settings and follow the reset flow.")
	assert.NotContains(t, text, "track();")
	assert.NotContains(t, text, "Home | Docs")
	assert.NotContains(t, text, "Copyright")
	assert.NotContains(t, text, "  ")
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Reset guide", extractTitle(`<html><head><title>Reset guide</title></head><body></body></html>`))
	assert.Equal(t, "Heading", extractTitle(`<html><body><h1>Heading</h1></body></html>`))
	assert.Equal(t, "", extractTitle(`<html><body><p>no title</p></body></html>`))
}

func TestChunkTextSplitsLongContent(t *testing.T) {
	p := NewProcessor(nil, nil, nil)

	word := "lorem"
	text := strings.TrimSpace(strings.Repeat(word+" ", 1000))

	chunks := p.chunkText(text)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), p.chunkSize+p.chunkOverlap)
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestChunkTextOverlap(t *testing.T) {
	p := NewProcessor(nil, nil, nil)

	var words []string
	for i := 0; i < 400; i++ {
		words = append(words, "word"+string(rune('a'+i%26))+string(rune('a'+(i/26)%26)))
	}
	chunks := p.chunkText(strings.Join(words, " "))
	require.Greater(t, len(chunks), 1)

	// The head of each chunk repeats the tail of the previous one.
	secondHead := strings.Fields(chunks[1])[0]
	firstWords := strings.Fields(chunks[0])
	assert.Contains(t, firstWords, secondHead)
}

func TestChunkTextShortContent(t *testing.T) {
	p := NewProcessor(nil, nil, nil)

	chunks := p.chunkText("just a short answer")

	require.Len(t, chunks, 1)
	assert.Equal(t, "just a short answer", chunks[0])
}

func TestChunkTextEmpty(t *testing.T) {
	p := NewProcessor(nil, nil, nil)

	assert.Nil(t, p.chunkText("   "))
}
