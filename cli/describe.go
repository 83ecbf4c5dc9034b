package cli

import (
	"errors"

	"github.com/absmach/roundsync/pkg/checkpoint"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/spf13/cobra"
)

var errNoCheckpointStore = errors.New("no checkpoint store is configured")

type layerSummary struct {
	Tensor string `json:"tensor"`
	Shape  []int  `json:"shape"`
}

type modelSummary struct {
	Descriptor model.Descriptor `json:"descriptor"`
	Parameters int              `json:"parameters"`
	Tensors    []layerSummary   `json:"tensors"`
}

func NewDescribeCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "describe",
		Short: "Show the configured model or a saved checkpoint",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			var m model.Model
			name, _ := cmd.Flags().GetString("checkpoint")
			if name == "" {
				m, err = model.Instantiate(cfg.Descriptor(), cfg.Run.Seed)
			} else {
				var s checkpoint.Store
				if s, err = newCheckpointStore(cfg.Checkpoint); err == nil && s != nil {
					m, err = checkpoint.Restore(commandContext(cmd), s, name, model.Instantiator(cfg.Run.Seed))
				}
			}
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			if m == nil {
				logErrorCmd(*cmd, errNoCheckpointStore)
				return
			}

			logJSONCmd(*cmd, summarize(m))
		},
	}

	cmd.Flags().StringP("checkpoint", "k", "", "Checkpoint name to load, e.g. weights_r0_e2")

	return &cmd
}

func summarize(m model.Model) modelSummary {
	ps := m.Snapshot()
	s := modelSummary{
		Descriptor: m.Describe(),
		Parameters: ps.NumElements(),
	}
	for i, shape := range ps.Shapes() {
		s.Tensors = append(s.Tensors, layerSummary{Tensor: model.TensorName(i), Shape: shape})
	}

	return s
}
