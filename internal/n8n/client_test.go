package n8n

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/store"
	"github.com/stretchr/testify/require"
)

type staticCreds store.N8nCredentials

func (s staticCreds) N8nCredentials(context.Context) (store.N8nCredentials, error) {
	return store.N8nCredentials(s), nil
}

type failingCreds struct{}

func (failingCreds) N8nCredentials(context.Context) (store.N8nCredentials, error) {
	return store.N8nCredentials{}, errors.New("db down")
}

const workflowsJSON = `{"data":[
	{"id":"42","name":"Send Email","active":true,"tags":[]},
	{"id":"43","name":"Email digest","active":false},
	{"id":"44","name":"Email cleanup","active":true,"tags":[{"name":"agent_ignore"}]},
	{"id":"45","name":"Backup DB","active":true}
]}`

func TestSearchWorkflows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/workflows", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-N8N-API-KEY"))
		io.WriteString(w, workflowsJSON)
	}))
	defer srv.Close()

	c := NewClient(staticCreds{URL: srv.URL + "/", APIKey: "secret"}, 0)
	got, err := c.SearchWorkflows(context.Background(), "EMAIL")
	require.NoError(t, err)
	require.Equal(t, []models.Workflow{{ID: "42", Name: "Send Email"}}, got)

	got, err = c.SearchWorkflows(context.Background(), "nothing")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSearchWorkflows_FollowsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			io.WriteString(w, `{"data":[{"id":"1","name":"Mail A","active":true}],"nextCursor":"p2"}`)
			return
		}
		io.WriteString(w, `{"data":[{"id":"2","name":"Mail B","active":true}]}`)
	}))
	defer srv.Close()

	c := NewClient(staticCreds{URL: srv.URL, APIKey: "k"}, 0)
	got, err := c.SearchWorkflows(context.Background(), "mail")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestSearchWorkflows_Misconfigured(t *testing.T) {
	c := NewClient(staticCreds{URL: "https://n8n.local"}, 0)
	_, err := c.SearchWorkflows(context.Background(), "email")

	var dirErr *DirectoryError
	require.ErrorAs(t, err, &dirErr)
	require.True(t, dirErr.Misconfigured)
	require.EqualError(t, err, "n8n URL or API Key is not configured. Please configure it in the Agent Settings.")

	_, err = NewClient(failingCreds{}, 0).SearchWorkflows(context.Background(), "email")
	require.ErrorContains(t, err, "db down")
}

func TestSearchWorkflows_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"unauthorized"}`)
	}))
	defer srv.Close()

	_, err := NewClient(staticCreds{URL: srv.URL, APIKey: "bad"}, 0).SearchWorkflows(context.Background(), "x")

	var dirErr *DirectoryError
	require.ErrorAs(t, err, &dirErr)
	require.Equal(t, http.StatusUnauthorized, dirErr.StatusCode)
	require.EqualError(t, err, "n8n API Error (401): unauthorized")
}

func TestExecuteWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		if r.URL.Path == "/api/v1/workflows/42/executions" {
			io.WriteString(w, `{"id":"exec-1"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"not found"}`)
	}))
	defer srv.Close()
	c := NewClient(staticCreds{URL: srv.URL, APIKey: "k"}, 0)

	res, err := c.ExecuteWorkflow(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.JSONEq(t, `{"id":"exec-1"}`, string(res.Response))

	res, err = c.ExecuteWorkflow(context.Background(), "99")
	require.Error(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Message, "not found")
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-N8N-API-KEY") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"message":"invalid key"}`)
			return
		}
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()
	c := NewClient(staticCreds{}, 0)

	require.Equal(t, ConnectionResult{Success: true}, c.TestConnection(context.Background(), srv.URL, "good"))

	res := c.TestConnection(context.Background(), srv.URL, "bad")
	require.False(t, res.Success)
	require.Equal(t, "Connection failed with status 401. invalid key", res.Message)

	res = c.TestConnection(context.Background(), "", "")
	require.False(t, res.Success)
}
