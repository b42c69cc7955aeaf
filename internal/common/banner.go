package common

import (
	"fmt"

	"github.com/ternarybob/banner"
)

// PrintBanner prints the startup banner for a weppcloud process such as
// "worker" or "bridge".
func PrintBanner(component string) {
	banner.PrintSimple(fmt.Sprintf("WEPPcloud %s", component), fmt.Sprintf("%s (%s)", GetVersion(), GitCommit))
}
