package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/phone"
)

const src = "https://portal.example.com/jobs/42"

func TestFilter_EmptySeenSet(t *testing.T) {
	n := phone.New(phone.DefaultCountryCode)
	raw := []model.RawCandidate{
		{FirstName: "Ann", Phone: "+1 555 0100"},
		{FirstName: "Bob", Phone: "+1 555 0101"},
	}

	res := Filter("pos-1", raw, model.NewDigestSet(), n, src)

	require.Len(t, res.Kept, 2)
	assert.Zero(t, res.Skipped())
	assert.Equal(t, "Ann", res.Kept[0].FirstName)
	assert.Equal(t, "pos-1", res.Kept[0].PositionID)
	assert.Equal(t, src, res.Kept[0].SourceURL)
	assert.Equal(t, n.Digest("+1 555 0100"), res.Kept[0].Digest())
}

func TestFilter_DropsSeen(t *testing.T) {
	n := phone.New(phone.DefaultCountryCode)

	// N raw, M already stored -> N-M kept.
	var raw []model.RawCandidate
	for i := 0; i < 10; i++ {
		raw = append(raw, model.RawCandidate{Phone: fmt.Sprintf("+1 555 01%02d", i)})
	}
	seen := model.NewDigestSet()
	for i := 0; i < 4; i++ {
		seen.Add(n.Digest(raw[i].Phone))
	}

	res := Filter("pos-1", raw, seen, n, src)

	assert.Len(t, res.Kept, 6)
	assert.Equal(t, 4, res.SeenSkipped)
	assert.Zero(t, res.BatchSkipped)
	for _, c := range res.Kept {
		assert.False(t, seen.Has(c.Digest()))
	}
	assert.Len(t, seen, 4, "seen set must not be modified")
}

func TestFilter_FormatVariantsCollapse(t *testing.T) {
	n := phone.New(phone.DefaultCountryCode)
	raw := []model.RawCandidate{
		{FirstName: "A", Phone: "+1 555 0100"},
		{FirstName: "B", Phone: "15550100"},
	}

	res := Filter("pos-1", raw, model.NewDigestSet(), n, src)

	require.Len(t, res.Kept, 1)
	assert.Equal(t, "A", res.Kept[0].FirstName)
	assert.Equal(t, 1, res.BatchSkipped)
}

func TestFilter_InBatchFirstWins(t *testing.T) {
	n := phone.New(phone.DefaultCountryCode)
	raw := []model.RawCandidate{
		{FirstName: "Jane", Email: "jane@a.com", Phone: "0123456789"},
		{FirstName: "Jane", Email: "jane@b.com", Phone: "+420 123 456 789"},
	}

	res := Filter("pos-1", raw, model.NewDigestSet(), n, src)

	require.Len(t, res.Kept, 1)
	assert.Equal(t, "jane@a.com", res.Kept[0].Email)
	assert.Equal(t, 1, res.Skipped())
}

func TestFilter_SeenTakesPrecedenceOverBatch(t *testing.T) {
	n := phone.New("")
	raw := []model.RawCandidate{{Phone: "1"}, {Phone: "1"}, {Phone: "2"}}
	seen := model.NewDigestSet(n.Digest("1"))

	res := Filter("pos-1", raw, seen, n, src)

	assert.Len(t, res.Kept, 1)
	assert.Equal(t, 2, res.SeenSkipped)
	assert.Zero(t, res.BatchSkipped)
}

func TestFilter_PhonelessUsesEmail(t *testing.T) {
	n := phone.New(phone.DefaultCountryCode)
	raw := []model.RawCandidate{
		{Email: "a@x.com"},
		{Email: "b@x.com"},
		{Email: "A@X.com "},
		{},
		{},
	}

	res := Filter("pos-1", raw, model.NewDigestSet(), n, src)

	assert.Len(t, res.Kept, 3)
	assert.Equal(t, 2, res.BatchSkipped)
	assert.Equal(t, 2, res.Contactless)
}

func TestFilter_Empty(t *testing.T) {
	res := Filter("pos-1", nil, nil, phone.Normalizer{}, src)
	assert.Empty(t, res.Kept)
	assert.Zero(t, res.Skipped())
}
