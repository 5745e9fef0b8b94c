package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vincentbai/target-inspector/internal/models"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		want models.CallKind
	}{
		{"standard delivery", "https://x.tt.omtrdc.net/rest/v1/delivery?client=abc", models.CallDelivery},
		{"delivery without client on tt host", "https://acme.tt.omtrdc.net/rest/v1/delivery?sessionId=1", models.CallDelivery},
		{"cname delivery with client", "https://target.acme.com/rest/v1/delivery?client=acme&sessionId=9", models.CallDelivery},
		{"cname delivery without client", "https://target.acme.com/rest/v1/delivery", models.CallNone},
		{"upper case host and path", "https://X.TT.OMTRDC.NET/REST/V1/DELIVERY", models.CallDelivery},
		{"interact v1", "https://edge.adobedc.net/ee/v1/interact?configId=1", models.CallInteract},
		{"interact or2", "https://acme.com/ee/or2/v1/interact", models.CallInteract},
		{"interact v2", "https://metrics.acme.com/ee/v2/interact", models.CallInteract},
		{"edge host generic interact", "https://edge.adobedc.net/ee/va6/v1/interact", models.CallInteract},
		{"edge host non interact", "https://edge.adobedc.net/ee/v1/collect", models.CallNone},
		{"unrelated", "https://example.com/index.html", models.CallNone},
		{"client param alone", "https://example.com/?client=abc", models.CallNone},
		{"empty", "", models.CallNone},
		{"unparseable", "://bad url", models.CallNone},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.url))
		})
	}
}

func TestClassifyDeliveryBeforeInteract(t *testing.T) {
	t.Parallel()

	// a proxy path carrying both tokens must resolve to delivery
	u := "https://edge.adobedc.net/ee/v1/interact/rest/v1/delivery?client=abc"
	assert.Equal(t, models.CallDelivery, Classify(u))
}

func TestClassifyExtraEdgeHosts(t *testing.T) {
	t.Parallel()

	u := "https://aem.example.com/ee/custom/interact"
	assert.Equal(t, models.CallNone, Classify(u))
	assert.Equal(t, models.CallInteract, New("AEM.example.com", " ").Classify(u))
}

func TestZeroMatcher(t *testing.T) {
	t.Parallel()

	var m Matcher
	assert.Equal(t, models.CallInteract, m.Classify("https://edge.adobedc.net/ee/x/interact"))
}

func TestMatchResource(t *testing.T) {
	t.Parallel()

	m := New()
	assert.True(t, m.MatchResource("https://x.tt.omtrdc.net/rest/v1/delivery?client=abc"))
	assert.True(t, m.MatchResource("https://mboxedge31.tt.omtrdc.net/m2/acme/delivery"))
	assert.True(t, m.MatchResource("https://cdn.example.com/ee/something/interact?x=1"))
	assert.False(t, m.MatchResource("https://cdn.example.com/app.js"))
}

func TestQueryHelpers(t *testing.T) {
	t.Parallel()

	u := "https://x.tt.omtrdc.net/rest/v1/delivery?client=abc&sessionId=s-1"
	assert.Equal(t, "abc", ClientCode(u))
	assert.Equal(t, "s-1", SessionID(u))
	assert.Equal(t, "unknown", ClientCode("https://example.com/"))
	assert.Equal(t, "unknown", SessionID("://bad"))
}

func TestIsObservable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsObservable("https://www.example.com/"))
	assert.False(t, IsObservable(""))
	assert.False(t, IsObservable("chrome://settings"))
	assert.False(t, IsObservable("devtools://devtools/bundled/inspector.html"))
	assert.False(t, IsObservable("https://chrome.google.com/webstore/detail/x"))
}
