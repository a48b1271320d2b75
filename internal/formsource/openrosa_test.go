package formsource_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/formsource"
	testutil "github.com/seedreap/formsync/internal/testing"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestFetchFormList(t *testing.T) {
	srv := testutil.NewOpenRosaServer()
	defer srv.Close()

	srv.AddForm(testutil.ServerForm{FormID: "census", Name: "Census", Version: "3", XML: "<census/>"})
	srv.AddForm(testutil.ServerForm{
		FormID: "household", Name: "Household", XML: "<household/>",
		Media: map[string]string{"logo.png": "png"},
	})

	client := formsource.NewOpenRosaClient(srv.URL + "/")
	items, err := client.FetchFormList(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, formsource.FormListItem{
		FormID:      "census",
		Name:        "Census",
		Version:     "3",
		Hash:        testutil.MD5("<census/>"),
		DownloadURL: srv.URL + "/forms/census/form.xml",
	}, items[0])
	assert.Equal(t, srv.URL+"/forms/household/manifest", items[1].ManifestURL)
	assert.Empty(t, items[1].Version)
}

func TestFetchManifestAndFiles(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewOpenRosaServer()
	defer srv.Close()
	srv.AddForm(testutil.ServerForm{
		FormID: "household", Name: "Household", XML: "<household/>",
		Media: map[string]string{"logo.png": "png", "items.csv": "a,b"},
	})

	client := formsource.NewOpenRosaClient(srv.URL)
	items, err := client.FetchFormList(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	manifest, err := client.FetchManifest(ctx, items[0].ManifestURL)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, "items.csv", manifest.Files[0].Filename)
	assert.Equal(t, testutil.MD5("a,b"), manifest.Files[0].Hash)

	body, err := client.FetchForm(ctx, items[0].DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, "<household/>", readAll(t, body))

	media, err := client.FetchMediaFile(ctx, manifest.Files[1].DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, "png", readAll(t, media))
}

func TestErrorKinds(t *testing.T) {
	ctx := context.Background()

	t.Run("AuthRequired", func(t *testing.T) {
		srv := testutil.NewOpenRosaServer()
		defer srv.Close()
		srv.RequireAuth("collector", "secret")

		_, err := formsource.NewOpenRosaClient(srv.URL).FetchFormList(ctx)
		kind, ok := formsource.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, formsource.AuthRequired, kind)

		_, err = formsource.NewOpenRosaClient(srv.URL, formsource.WithCredentials("collector", "secret")).FetchFormList(ctx)
		require.NoError(t, err)
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := testutil.NewOpenRosaServer()
		defer srv.Close()
		srv.SetStatus("/formList", http.StatusBadGateway)

		_, err := formsource.NewOpenRosaClient(srv.URL).FetchFormList(ctx)
		var fsErr *formsource.Error
		require.ErrorAs(t, err, &fsErr)
		assert.Equal(t, formsource.ServerError, fsErr.Kind)
		assert.Equal(t, http.StatusBadGateway, fsErr.StatusCode)
		assert.True(t, fsErr.Retryable())
		assert.Contains(t, fsErr.UserMessage(), "502")
	})

	t.Run("FetchError", func(t *testing.T) {
		srv := testutil.NewOpenRosaServer()
		defer srv.Close()

		_, err := formsource.NewOpenRosaClient(srv.URL).FetchForm(ctx, srv.URL+"/forms/missing/form.xml")
		kind, _ := formsource.KindOf(err)
		assert.Equal(t, formsource.FetchError, kind)
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := formsource.NewOpenRosaClient(url).FetchFormList(ctx)
		var fsErr *formsource.Error
		require.ErrorAs(t, err, &fsErr)
		assert.Equal(t, formsource.Unreachable, fsErr.Kind)
		assert.True(t, fsErr.Retryable())
	})

	t.Run("SecurityError", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := formsource.NewOpenRosaClient(srv.URL).FetchFormList(ctx)
		var fsErr *formsource.Error
		require.ErrorAs(t, err, &fsErr)
		assert.Equal(t, formsource.SecurityError, fsErr.Kind)
		assert.False(t, fsErr.Retryable())
	})

	t.Run("ParseError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<xforms><xform>")
		}))
		defer srv.Close()

		_, err := formsource.NewOpenRosaClient(srv.URL).FetchFormList(ctx)
		kind, _ := formsource.KindOf(err)
		assert.Equal(t, formsource.ParseError, kind)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := formsource.NewOpenRosaClient(srv.URL).FetchFormList(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		_, isSourceErr := formsource.KindOf(err)
		assert.False(t, isSourceErr)
	})
}

func TestOpenRosaHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, "<xforms/>")
	}))
	defer srv.Close()

	_, err := formsource.NewOpenRosaClient(srv.URL, formsource.WithCredentials("u", "p")).FetchFormList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0", got.Get("X-OpenRosa-Version"))
	assert.NotEmpty(t, got.Get("Authorization"))
}

func TestSubmitInstance(t *testing.T) {
	srv := testutil.NewOpenRosaServer()
	defer srv.Close()

	dir := t.TempDir()
	instance := filepath.Join(dir, "census_1.xml")
	photo := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(instance, []byte("<data/>"), 0600))
	require.NoError(t, os.WriteFile(photo, []byte("jpg"), 0600))

	client := formsource.NewOpenRosaClient(srv.URL)
	require.NoError(t, client.SubmitInstance(context.Background(), "", instance, []string{photo}))

	subs := srv.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "<data/>", subs[0].Files["xml_submission_file"])
	assert.Equal(t, "jpg", subs[0].Files["photo.jpg"])

	t.Run("Rejected", func(t *testing.T) {
		srv.SetStatus("/submission", http.StatusInternalServerError)
		err := client.SubmitInstance(context.Background(), "", instance, nil)
		kind, _ := formsource.KindOf(err)
		assert.Equal(t, formsource.ServerError, kind)
	})

	t.Run("OKIsNotAccepted", func(t *testing.T) {
		login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<html>please log in</html>")
		}))
		defer login.Close()

		err := client.SubmitInstance(context.Background(), login.URL+"/submission", instance, nil)
		require.Error(t, err)
		kind, _ := formsource.KindOf(err)
		assert.Equal(t, formsource.FetchError, kind)
	})

	t.Run("FormSubmissionURI", func(t *testing.T) {
		other := testutil.NewOpenRosaServer()
		defer other.Close()
		before := len(srv.Submissions())

		require.NoError(t, client.SubmitInstance(context.Background(), other.URL+"/submission", instance, nil))
		assert.Len(t, other.Submissions(), 1)
		assert.Len(t, srv.Submissions(), before)
	})

	t.Run("MissingFile", func(t *testing.T) {
		err := client.SubmitInstance(context.Background(), "", filepath.Join(dir, "missing.xml"), nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}
