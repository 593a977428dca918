package txbuilder

// Usage example (not compiled):
//
//  asm := txbuilder.NewAssembler(ctx, nodeService, codec.Default(), logger)
//  asm.Load(txbuilder.Input{
//      Network: "eth", From: from, To: to,
//      Value: "0.001", Denomination: "ether",
//  })
//  draft, err := asm.Wait(ctx) // *FieldError when a field failed
//  if err != nil { ... }
//  if err := asm.Validate(); err != nil { ... }
//  raw, err := asm.Sign(key)
//  // submit raw via eth_sendRawTransaction
//
