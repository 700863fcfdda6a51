package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validContent = `{"executiveSummary":"Focus on retention.","sections":[{"name":"Key Insights","insights":["churn is rising"]}]}`

func newCompletionServer(test *testing.T, status int, body string, inspect func(*http.Request, chatRequest)) *httptest.Server {
	test.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var decoded chatRequest
		if err := json.NewDecoder(request.Body).Decode(&decoded); err != nil {
			test.Errorf("decode request: %v", err)
		}
		if inspect != nil {
			inspect(request, decoded)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(status)
		_, _ = writer.Write([]byte(body))
	}))
	test.Cleanup(server.Close)
	return server
}

func completionBody(test *testing.T, content string) string {
	test.Helper()
	payload, err := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		"usage":   map[string]any{"prompt_tokens": 120, "completion_tokens": 380},
	})
	require.NoError(test, err)
	return string(payload)
}

func TestOpenAIGeneratorParsesDiagnosis(test *testing.T) {
	test.Parallel()
	server := newCompletionServer(test, http.StatusOK, completionBody(test, validContent), func(request *http.Request, decoded chatRequest) {
		assert.Equal(test, "/v1/chat/completions", request.URL.Path)
		assert.Equal(test, "Bearer sk-test", request.Header.Get("Authorization"))
		assert.Equal(test, "json_object", decoded.ResponseFormat.Type)
		assert.Equal(test, "gpt-4", decoded.Model)
		require.Len(test, decoded.Messages, 2)
		assert.Contains(test, decoded.Messages[1].Content, "Acme rollout")
		assert.Contains(test, decoded.Messages[1].Content, "Client: Acme")
	})
	generator, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1/"})
	require.NoError(test, err)

	generation, err := generator.Generate(context.Background(), "Acme rollout", "Acme")
	require.NoError(test, err)
	assert.Equal(test, int64(500), generation.TokensUsed)
	assert.Equal(test, "Focus on retention.", generation.Content.ExecutiveSummary)
	require.Len(test, generation.Content.Sections, 1)
	assert.Equal(test, []string{"churn is rising"}, generation.Content.Sections[0].Insights)
}

func TestOpenAIGeneratorRejectsBadResponses(test *testing.T) {
	test.Parallel()
	cases := map[string]struct {
		status int
		body   string
		want   error
	}{
		"empty content":    {status: http.StatusOK, body: completionBody(test, ""), want: ErrEmptyResponse},
		"no choices":       {status: http.StatusOK, body: `{"choices":[]}`, want: ErrEmptyResponse},
		"not json":         {status: http.StatusOK, body: completionBody(test, "Here is your diagnosis"), want: ErrMalformedResponse},
		"missing summary":  {status: http.StatusOK, body: completionBody(test, `{"sections":[{"name":"x","insights":[]}]}`), want: ErrMalformedResponse},
		"missing sections": {status: http.StatusOK, body: completionBody(test, `{"executiveSummary":"ok"}`), want: ErrMalformedResponse},
	}
	for name, tc := range cases {
		server := newCompletionServer(test, tc.status, tc.body, nil)
		generator, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL})
		require.NoError(test, err)
		_, err = generator.Generate(context.Background(), "title", "")
		assert.ErrorIs(test, err, tc.want, name)
	}
}

func TestOpenAIGeneratorSurfacesAPIError(test *testing.T) {
	test.Parallel()
	server := newCompletionServer(test, http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests"}}`, nil)
	generator, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(test, err)

	_, err = generator.Generate(context.Background(), "title", "")
	require.Error(test, err)
	assert.True(test, strings.Contains(err.Error(), "Rate limit reached") && strings.Contains(err.Error(), "429"), err.Error())
}

func TestNewOpenAIGeneratorRequiresKey(test *testing.T) {
	test.Parallel()
	_, err := NewOpenAIGenerator(OpenAIConfig{})
	assert.True(test, errors.Is(err, ErrInvalidConfig))
}
