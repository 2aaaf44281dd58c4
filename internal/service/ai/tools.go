package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// InitToolsChain returns the tools offered to the pro-tier agent.
func InitToolsChain(logger *slog.Logger) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(logger); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

// InitWebSearch builds a search tool that prefers Google and falls back to DuckDuckGo.
func InitWebSearch(logger *slog.Logger) tool.InvokableTool {
	googleTool := InitGooglesearch(logger)
	duckTool := InitDDGsearch(logger)
	if googleTool == nil && duckTool == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}
	ws := &webSearchTool{
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newCallerLimiter(WebSearchRateLimit, WebSearchRateWindow),
		logger:     logger,
	}
	if googleTool != nil {
		ws.providers = append(ws.providers, searchProvider{name: "google", tool: googleTool})
	}
	if duckTool != nil {
		ws.providers = append(ws.providers, searchProvider{name: "duckduckgo", tool: duckTool})
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current medical guidance from reputable sources. " +
			"Pass a URL to read that page directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type searchProvider struct {
	name string
	tool tool.InvokableTool
}

// webSearchTool tries its providers in order and returns the first answer.
type webSearchTool struct {
	providers  []searchProvider
	httpClient *http.Client
	limiter    *callerLimiter
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

var errSearchRateLimited = errors.New("web search rate limit exceeded, answer from existing knowledge")

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Query) == "" {
		return "", errors.New("query must not be empty")
	}
	query := strings.TrimSpace(params.Query)
	if caller, ok := ToolCallerFromContext(ctx); ok && !w.limiter.Allow(caller) {
		return "", errSearchRateLimited
	}

	if looksLikeURL(query) {
		page, err := fetchPage(ctx, w.httpClient, query)
		if err == nil {
			return page, nil
		}
		w.logger.Warn("fetch page for search failed, searching instead", "error", err)
	}

	args, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("encode search args: %w", err)
	}
	for _, p := range w.providers {
		result, err := p.tool.InvokableRun(ctx, string(args))
		if err == nil {
			return result, nil
		}
		w.logger.Warn("search provider failed", "provider", p.name, "error", err)
	}
	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch builds the keyless DuckDuckGo text search.
func InitDDGsearch(logger *slog.Logger) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		logger.Warn("duckduckgo search disabled", "error", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch builds Google custom search when GOOGLE_API_KEY and
// GOOGLE_SEARCH_ENGINE_ID are set.
func InitGooglesearch(logger *slog.Logger) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		logger.Info("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		logger.Warn("google search disabled", "error", err)
		return nil
	}
	return googleTool
}
