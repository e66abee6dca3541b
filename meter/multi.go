package meter

import "github.com/ineyio/llmrouter"

// Multi fans every event out to each meter in order.
type Multi []llmrouter.Meter

var _ llmrouter.Meter = Multi(nil)

func (m Multi) OnRoute(e llmrouter.RouteEvent) {
	for _, mm := range m {
		mm.OnRoute(e)
	}
}

func (m Multi) OnRetry(e llmrouter.RetryEvent) {
	for _, mm := range m {
		mm.OnRetry(e)
	}
}

func (m Multi) OnResult(e llmrouter.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}
