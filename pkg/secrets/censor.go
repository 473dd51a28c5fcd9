// Package secrets keeps provider credentials out of the logs. Tokens
// arrive at runtime inside deployment configurations, so the censor
// list grows dynamically: every configuration that enters the process
// registers its credentials before anything about it is logged.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/prow/pkg/logrusutil"
)

// DynamicCensor holds the set of strings to censor, updated as new
// credentials are seen. Access to the set is internally synchronized.
type DynamicCensor struct {
	sync.RWMutex
	secrets sets.String
}

func NewDynamicCensor() DynamicCensor {
	return DynamicCensor{
		secrets: sets.NewString(),
	}
}

// AddSecrets adds the content of one or more secrets to the censor list.
func (c *DynamicCensor) AddSecrets(s ...string) {
	c.Lock()
	defer c.Unlock()
	c.secrets.Insert(s...)
}

// Formatter wraps a logrus formatter so that every log line is scrubbed
// of the registered secrets. The closure hands out a snapshot so the
// formatter never iterates the set while AddSecrets mutates it.
func (c *DynamicCensor) Formatter(f logrus.Formatter) logrus.Formatter {
	return logrusutil.NewCensoringFormatter(f, func() sets.Set[string] {
		c.RLock()
		defer c.RUnlock()
		return sets.New[string](c.secrets.UnsortedList()...)
	})
}

// ReadFromFile reads a secret from the file at path, registers it with
// the censor and returns its whitespace-trimmed content.
func ReadFromFile(path string, censor *DynamicCensor) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("could not read %s: %w", path, err)
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	censor.AddSecrets(value)
	return value, nil
}
