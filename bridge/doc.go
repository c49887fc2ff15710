// Package bridge is the facade over the engine: it owns one VM handle per
// program and wires the handle's relocation upcalls to its global data
// policy through a table of context tokens.
//
// Open runs the full sequence: create the VM, allocate a token, register
// the default resolver and helpers, load the program. Any failure destroys
// the VM before Open returns, so no handle outlives a failed open.
//
//	err := bridge.Run(ctx, object, func(b *bridge.Bridge) error {
//	    res, err := b.Execute(ctx, packet)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(res.Status, res.Value)
//	    return nil
//	})
package bridge
