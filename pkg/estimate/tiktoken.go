package estimate

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

var (
	encMu     sync.Mutex
	encCache  = map[string]*tiktokenCounter{}
	encFailed = map[string]error{}
)

// TiktokenCounter returns a Counter for a tiktoken encoding such as
// "cl100k_base". Loaded encodings are shared process-wide. Loading may
// download the BPE ranks on first use; a failed load is remembered and not
// retried.
func TiktokenCounter(encoding string) (Counter, error) {
	encMu.Lock()
	defer encMu.Unlock()

	if c, ok := encCache[encoding]; ok {
		return c, nil
	}
	if err, ok := encFailed[encoding]; ok {
		return nil, err
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		encFailed[encoding] = err
		return nil, err
	}
	c := &tiktokenCounter{enc: enc}
	encCache[encoding] = c
	return c, nil
}
