// Command graphstage inspects, scores and trains graph stage models and moves
// them between artifact stores.
package main

import (
	"context"

	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}
