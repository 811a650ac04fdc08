/*
Package kernel runs one analysis instance on the bus.

An analysis kind is declared once with NewKind: a table from signal name to HandlerFunc, plus optional transforms applied to datastore values before they are emitted. A Runtime owns one instance of a kind. It receives downstream frames, looks the signal up in the table and calls the handler with the frame's load:

	empty       -> no arguments
	positional  -> the array elements, in order
	named       -> the object, decoded into the handler's single struct or map parameter
	single      -> the whole load as one argument

Bind adapts an ordinary Go func to a HandlerFunc:

	kind := kernel.NewKind("adder",
		kernel.WithFunc("compute", func(inst *kernel.Instance, a, b int) error {
			inst.Data.Set("sum", a+b)
			return nil
		}),
	)

Setting a key on the instance datastore emits {"signal": "data", "load": {key: value}}; setting a key on the kind's class datastore emits "class_data" to every instance of the kind in this process.

A frame carrying an action id is bracketed by "__action" frames with status "start" and "end". The end frame is sent even when the handler fails, with the failure in its "error" member.

The "disconnect" signal is terminal: once its handler returns the runtime closes its publisher and Run returns.
*/
package kernel
