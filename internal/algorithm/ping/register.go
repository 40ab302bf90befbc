package ping

import (
	"fmt"

	"github.com/pcekm/graphping/internal/algorithm"
)

// Name is the name this algorithm registers itself under (spec §6
// "Algorithm registration").
const Name = "ping"

func init() {
	algorithm.Register(Name, func(fw algorithm.Framework, opts any, tmpl algorithm.Template) (algorithm.Instance, error) {
		o, ok := opts.(Options)
		if !ok {
			return nil, fmt.Errorf("ping: want ping.Options, got %T", opts)
		}
		return Init(o, tmpl, fw)
	})
}
