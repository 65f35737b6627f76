// Package modelfile reads and writes the persisted graph stage container.
//
// A container stores the stage's bindings together with the graph itself,
// either as one frozen graph blob or as the files of a saved-model directory:
//
//	Format Structure:
//	  [4 bytes: Magic "GSTG"]
//	  [4 bytes: Version (uint32 LE)]
//	  [1 byte: isFrozen]
//	  [1 byte: addBatchDimension]
//	  [int32: input count]  [strings: input node names, source columns when transfer learning]
//	  [int32: output count] [strings: output node names]
//	  [Transfer block, version 2 and later]
//	  [Payload]
//	  [32 bytes: SHA-256 of everything above]
//
// Strings are an int32 byte length followed by UTF-8 bytes. The frozen
// payload is an int64 length and the graph bytes. The saved-model payload is
// an int32 file count and, per file, its relative path, an int64 length and
// the file bytes.
//
// Example usage:
//
//	c := &modelfile.Container{Frozen: true, Inputs: []string{"in"}, Outputs: []string{"out"}, Graph: blob}
//	if err := modelfile.WriteFile("model.gstg", c); err != nil {
//	    log.Fatal(err)
//	}
//
//	c, err := modelfile.ReadFile("model.gstg")
package modelfile
