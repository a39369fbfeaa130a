// Package source reads pages of rows from the external table source.
//
// A Fetcher performs one request for one page. GlideClient is the HTTP
// implementation for the Glide queryTables API. A Loader drives a Fetcher
// through a table: it retries transient failures, applies the optional
// single-RFQ filter and stops when the source returns no next token.
//
//	loader := source.NewLoader(client, table, source.LoaderOptions{
//	    Limit:      1000,
//	    StartToken: cursor.NextToken,
//	})
//	for {
//	    page, err := loader.Next(ctx)
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // apply page.Rows, then checkpoint page.NextToken
//	}
package source
