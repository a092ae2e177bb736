package ledger

// PriceTable maps model IDs to USD prices per million tokens.
type PriceTable map[string]ModelPrice

// ModelPrice is a model's prompt/completion rate in USD per 1M tokens.
type ModelPrice struct {
	Prompt     float64
	Completion float64
}

// DefaultPrices is the static table used for the model-routing cost
// comparison. Values are list prices; billing truth lives in the spend
// store, never here.
var DefaultPrices = PriceTable{
	"gpt-4o":           {Prompt: 2.50, Completion: 10.00},
	"gpt-4o-mini":      {Prompt: 0.15, Completion: 0.60},
	"gpt-4.1":          {Prompt: 2.00, Completion: 8.00},
	"gpt-4.1-mini":     {Prompt: 0.40, Completion: 1.60},
	"o3-mini":          {Prompt: 1.10, Completion: 4.40},
	"claude-sonnet-4":  {Prompt: 3.00, Completion: 15.00},
	"claude-haiku-3-5": {Prompt: 0.80, Completion: 4.00},
	"gemini-2.0-flash": {Prompt: 0.10, Completion: 0.40},
	"llama-3.3-70b":    {Prompt: 0.60, Completion: 0.70},
	"deepseek-chat":    {Prompt: 0.27, Completion: 1.10},
}

// Cost returns the USD cost of the given totals under a model's rate.
func (p PriceTable) Cost(model string, t Totals) (float64, bool) {
	price, ok := p[model]
	if !ok {
		return 0, false
	}
	return float64(t.InputTokens)/1e6*price.Prompt +
		float64(t.OutputTokens)/1e6*price.Completion, true
}
