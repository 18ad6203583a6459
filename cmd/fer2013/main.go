// Convert the FER2013 CSV file to image data sets under the data directory.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jnb666/deepemotion/fer"
	"github.com/jnb666/deepemotion/nnet"
)

func main() {
	name := flag.String("name", "fer2013", "data set name")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Println("usage: fer2013 [opts] <fer2013.csv>")
		os.Exit(1)
	}
	sets, err := fer.Load(flag.Arg(0))
	nnet.CheckErr(err)
	nnet.CheckErr(os.MkdirAll(nnet.DataDir, 0755))
	for _, key := range nnet.DataTypes {
		if d, ok := sets[key]; ok {
			fmt.Printf("%s: %d images\n", key, d.Len())
			nnet.CheckErr(nnet.SaveDataFile(d, *name+"_"+key))
		}
	}
}
