package adapter

import (
	"strings"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

var sensitivityKeywords = []struct {
	level    contracts.Sensitivity
	keywords []string
}{
	{contracts.SensitivityCritical, []string{"payment", "transaction", "credit_card", "password", "secret", "key", "token", "credential", "encrypt", "decrypt"}},
	{contracts.SensitivityHigh, []string{"delete", "drop", "exec", "execute", "admin", "root", "sudo", "kill", "destroy", "remove"}},
	{contracts.SensitivityMedium, []string{"write", "update", "modify", "change", "edit", "create", "insert", "save"}},
	{contracts.SensitivityLow, []string{"read", "get", "list", "fetch", "view", "show", "query"}},
}

// DetectSensitivity guesses a capability's sensitivity from its name and
// description. The most sensitive matching keyword wins; no match means medium.
func DetectSensitivity(name, description string) contracts.Sensitivity {
	text := strings.ToLower(name + " " + description)
	for _, group := range sensitivityKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(text, kw) {
				return group.level
			}
		}
	}
	return contracts.SensitivityMedium
}
