// Package compile documents its own contract below; see compile.go and
// minio_open.go for the implementation.
//
// A function document's source text becomes a cacheable Program:
//
//	prog, err := compiler.Compile(ctx, codecache.Key(appID, functionID), source)
//	cache.Set(codecache.Key(appID, functionID), prog)
//
// Dispatch later (pkg/dispatch) fetches the cached Program, builds a
// MinioOpener scoped to the calling application, and prepares a fresh
// runtime per invocation:
//
//	opener := compile.NewMinioOpener(blobStore, appmeta.AppBucket(appID))
//	prepared, err := compile.Prepare(ctx, prog, opener, compile.Globals{
//	    "context": handlerContext,
//	    "request": requestView,
//	})
//	result, err := prepared.Invoke(args...)
//
// Every Prepare call gets its own goja.Runtime; Programs themselves are
// immutable and safe to share across concurrent Prepare calls, which is why
// Compile's singleflight coalescing is safe to cache the result of.
package compile
