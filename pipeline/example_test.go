package pipeline_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/carderne/raster-vision/pipeline"
)

// Example: a two-command pipeline where "chip" is split over scenes and
// "train" merges the chips of every shard.
func Example() {
	scenes := []string{"s0", "s1", "s2", "s3", "s4"}
	var mu sync.Mutex
	var chips []string

	p, err := pipeline.New("chip-train", nil, "/tmp",
		pipeline.Command{Name: "chip", Split: true, Run: func(_ context.Context, s pipeline.Split) error {
			for _, sc := range pipeline.Partition(scenes, s) {
				mu.Lock()
				chips = append(chips, sc+".npy")
				mu.Unlock()
			}
			return nil
		}},
		pipeline.Command{Name: "train", GPU: true, Run: func(context.Context, pipeline.Split) error {
			sort.Strings(chips)
			fmt.Println("training on", strings.Join(chips, ","))
			return nil
		}},
	)
	if err != nil {
		panic(err)
	}

	runner := pipeline.NewLocalRunner(2, nil)
	defer runner.Close()
	res, err := runner.Run(context.Background(), p, nil, &pipeline.RunOptions{NumSplits: 2})
	if err != nil {
		panic(err)
	}
	fmt.Println(res.State, len(res.Shards))
	// Output:
	// training on s0.npy,s1.npy,s2.npy,s3.npy,s4.npy
	// completed 3
}

func ExamplePartition() {
	items := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 2; i++ {
		fmt.Println(pipeline.Partition(items, pipeline.Split{Index: i, Num: 2}))
	}
	// Output:
	// [a c e]
	// [b d]
}
